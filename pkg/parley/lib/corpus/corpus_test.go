// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package corpus

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

func TestSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "hello there", []string{"hello there"}},
		{"two", "I ate a salad. It was great!", []string{"I ate a salad.", "It was great!"}},
		{"ellipsis", "Well... maybe. Fine.", []string{"Well...", "maybe.", "Fine."}},
		{"empty", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sentences(tt.in))
		})
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"don", "'", "t", "stop"}, Words("don't stop"))
	assert.Equal(t, []string{"eggs", ",", "toast"}, Words("eggs, toast"))
}

func TestExtractTextBudget(t *testing.T) {
	v := vocab.New()
	e := NewExtractor(v, 4, true, nil)

	// "one two. three four. five six." with a budget of 4 tokens
	// (each sentence is 3 tokens with its period).
	line := "one two. three four. five six."

	target := e.ExtractText(line, true)
	require.Len(t, target, 3, "targets keep the first sentences")
	first, err := v.Token(target[0])
	require.NoError(t, err)
	assert.Equal(t, "one", first)

	source := e.ExtractText(line, false)
	require.Len(t, source, 3, "questions keep the last sentences")
	last, err := v.Token(source[0])
	require.NoError(t, err)
	assert.Equal(t, "five", last)
}

func TestExtractPairSkipsEmptySides(t *testing.T) {
	v := vocab.New()
	e := NewExtractor(v, 10, true, nil)

	_, ok := e.ExtractPair("", "a reply")
	assert.False(t, ok)

	_, ok = e.ExtractPair("a question", "   ")
	assert.False(t, ok)

	sample, ok := e.ExtractPair("hi there", "hello")
	require.True(t, ok)
	assert.NotEmpty(t, sample.SourceIDs)
	assert.NotEmpty(t, sample.TargetIDs)
}

func TestExtractConversationPairsLines(t *testing.T) {
	v := vocab.New()
	e := NewExtractor(v, 10, true, nil)

	samples := e.ExtractConversation(Conversation{Lines: []string{
		"how are you",
		"fine thanks",
		"good to hear",
	}})

	require.Len(t, samples, 2, "last line has no reply")
	assert.Equal(t, e.ExtractText("fine thanks", true), samples[0].TargetIDs)
	assert.Equal(t, e.ExtractText("fine thanks", false), samples[1].SourceIDs)
}

func TestExtractorFineTuneDoesNotGrowVocabulary(t *testing.T) {
	v := vocab.New()
	v.ID("known", true)
	size := v.Size()

	e := NewExtractor(v, 10, false, nil)
	ids := e.ExtractText("known mystery", true)

	require.Len(t, ids, 2)
	assert.Equal(t, v.UnknownID(), ids[1])
	assert.Equal(t, size, v.Size())
}

func TestResponseWordsLowerCased(t *testing.T) {
	assert.Equal(t, []string{"great", "choice", "!"}, ResponseWords("Great choice!"))
}

func TestDatasetRoundTrip(t *testing.T) {
	d := &Dataset{
		Samples: []batch.Sample{
			{SourceIDs: []int{4, 5}, TargetIDs: []int{6}},
			{SourceIDs: []int{5}, TargetIDs: []int{4, 4}, ContextVector: []float32{1, 2}},
		},
		ResponseWords: []string{"a", "b", "a"},
	}

	path := filepath.Join(t.TempDir(), "dataset.json")
	require.NoError(t, d.Save(path))

	loaded, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Equal(t, d.Samples, loaded.Samples)
	assert.Equal(t, d.ResponseWords, loaded.ResponseWords)
}

func TestSampleBatches(t *testing.T) {
	d := &Dataset{Samples: make([]batch.Sample, 7)}

	groups := d.SampleBatches(3)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 3)
	assert.Len(t, groups[2], 1)

	assert.Nil(t, d.SampleBatches(0))
}

func TestShuffleIsDeterministicPerSeed(t *testing.T) {
	build := func() *Dataset {
		d := &Dataset{}
		for i := 0; i < 10; i++ {
			d.Samples = append(d.Samples, batch.Sample{SourceIDs: []int{i}})
		}
		return d
	}

	a, b := build(), build()
	a.Shuffle(rand.New(rand.NewSource(42)))
	b.Shuffle(rand.New(rand.NewSource(42)))
	assert.Equal(t, a.Samples, b.Samples)
}
