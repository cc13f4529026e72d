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

package parley

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
	"github.com/antflydb/parley/pkg/parley/lib/mmi"
	"github.com/antflydb/parley/pkg/parley/lib/model"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// scriptedBeam returns a fixed trace regardless of input and records
// the batch it was handed.
type scriptedBeam struct {
	out     *model.StepOutputs
	gotBeam int
	got     *batch.Batch
}

func (s *scriptedBeam) Step(_ context.Context, b *batch.Batch, beamWidth int) (*model.StepOutputs, error) {
	s.got = b
	s.gotBeam = beamWidth
	return s.out, nil
}

type scriptedGreedy struct {
	outputs [][]float32
	got     *batch.Batch
}

func (s *scriptedGreedy) StepGreedy(_ context.Context, b *batch.Batch) ([][]float32, error) {
	s.got = b
	return s.outputs, nil
}

// fixedSource hands out the same context vector for every sentence.
type fixedSource struct {
	vec []float32
}

func (s *fixedSource) Vector(context.Context, string) ([]float32, error) { return s.vec, nil }
func (s *fixedSource) Size() int                                         { return len(s.vec) }

func testVocab(t *testing.T, words ...string) *vocab.Vocabulary {
	t.Helper()
	v := vocab.New()
	for _, w := range words {
		v.ID(w, true)
	}
	v.Freeze()
	return v
}

func beamConfig(v *vocab.Vocabulary, width int) EngineConfig {
	return EngineConfig{
		Vocab: v,
		Batch: batch.Config{
			MaxEncoderLen: 5,
			MaxDecoderLen: 7,
			PadID:         v.PadID(),
			GoID:          v.GoID(),
			EosID:         v.EosID(),
		},
		BeamWidth: width,
	}
}

func TestPredictBeamEndToEnd(t *testing.T) {
	v := testVocab(t, "hello", "world", "hi")
	hello, world, hi := v.ID("hello", false), v.ID("world", false), v.ID("hi", false)

	// Beam 0 emits "hello world" then eos; beam 1 emits "hi" then eos
	// immediately with a worse joint log-prob.
	fake := &scriptedBeam{out: &model.StepOutputs{
		Symbols:      [][]int{{hello, hi}, {world, v.EosID()}, {v.EosID(), v.PadID()}},
		Backpointers: [][]int{{0, 0}, {0, 1}, {0, 1}},
		LogProbs:     [][]float64{{-0.5, -1}, {-0.5, -1}, {-0.5, 0}},
	}}

	cfg := beamConfig(v, 2)
	cfg.Logger = zaptest.NewLogger(t)
	e, err := NewEngine(cfg, fake)
	require.NoError(t, err)

	p, err := e.Predict(context.Background(), "Hello there")
	require.NoError(t, err)

	assert.Equal(t, 2, fake.gotBeam)
	require.NotNil(t, fake.got)
	assert.Equal(t, 1, fake.got.Size, "mono-batch")

	assert.Equal(t, "hello world", p.Answer)
	require.Len(t, p.Candidates, 2)
	assert.Equal(t, "hello world", p.Candidates[0].Text)
	assert.Equal(t, "hi", p.Candidates[1].Text)
}

func TestPredictBeamWithReranker(t *testing.T) {
	v := testVocab(t, "good", "day", "odd")
	good, day, odd := v.ID("good", false), v.ID("day", false), v.ID("odd", false)

	// Beam 0: "good day" raw -1. Beam 1: "odd odd" raw -2.
	fake := &scriptedBeam{out: &model.StepOutputs{
		Symbols:      [][]int{{good, odd}, {day, odd}, {v.EosID(), v.EosID()}},
		Backpointers: [][]int{{0, 1}, {0, 1}, {0, 1}},
		LogProbs:     [][]float64{{-0.5, -1}, {-0.5, -1}, {0, 0}},
	}}

	cfg := beamConfig(v, 2)
	// P(day|good)=1 makes the first candidate's penalty large; the
	// unlikely continuation wins after reranking.
	cfg.Reranker = &mmi.Reranker{
		LM:     mmi.NewBigramModel([]string{"good", "day", "good", "day", "odd", "odd", "odd", "x"}),
		Lambda: 5,
		Gamma:  2,
	}
	e, err := NewEngine(cfg, fake)
	require.NoError(t, err)

	p, err := e.Predict(context.Background(), "good")
	require.NoError(t, err)

	assert.Equal(t, "odd odd", p.Answer, "reranker picks its top candidate")
	require.Len(t, p.Candidates, 2)
	assert.Greater(t, p.Candidates[0].Score, p.Candidates[1].Score)
}

func TestPredictGreedy(t *testing.T) {
	v := testVocab(t, "yes", "no")
	yes := v.ID("yes", false)

	// Step 0 argmax = "yes", step 1 argmax = eos.
	dist := func(winner int) []float32 {
		d := make([]float32, v.Size())
		d[winner] = 1
		return d
	}
	fake := &scriptedGreedy{outputs: [][]float32{dist(yes), dist(v.EosID())}}

	e, err := NewEngine(beamConfig(v, 0), fake)
	require.NoError(t, err)

	p, err := e.Predict(context.Background(), "anything known no")
	require.NoError(t, err)
	assert.Equal(t, "yes", p.Answer)
	assert.Equal(t, []int{yes, v.EosID()}, p.AnswerIDs)
}

func TestPredictContextVectors(t *testing.T) {
	v := testVocab(t, "yes")
	yes := v.ID("yes", false)

	dist := func(winner int) []float32 {
		d := make([]float32, v.Size())
		d[winner] = 1
		return d
	}

	run := func(t *testing.T, src *fixedSource) *batch.Batch {
		cfg := beamConfig(v, 0)
		cfg.Batch.Context = batch.ContextEveryStep
		cfg.Batch.ContextSize = 3
		cfg.Embeddings = src
		cfg.Logger = zaptest.NewLogger(t)

		fake := &scriptedGreedy{outputs: [][]float32{dist(yes), dist(v.EosID())}}
		e, err := NewEngine(cfg, fake)
		require.NoError(t, err)

		_, err = e.Predict(context.Background(), "yes")
		require.NoError(t, err)
		require.NotNil(t, fake.got)
		return fake.got
	}

	t.Run("matching size flows through", func(t *testing.T) {
		b := run(t, &fixedSource{vec: []float32{1, 2, 3}})
		for _, col := range b.ContextSeqs {
			for _, vec := range col {
				assert.Equal(t, []float32{1, 2, 3}, vec)
			}
		}
	})

	t.Run("wrong size falls back to zeros", func(t *testing.T) {
		b := run(t, &fixedSource{vec: []float32{1, 2}})
		for _, col := range b.ContextSeqs {
			for _, vec := range col {
				assert.Equal(t, []float32{0, 0, 0}, vec)
			}
		}
	})
}

func TestPredictInputRejection(t *testing.T) {
	v := testVocab(t, "word")
	e, err := NewEngine(beamConfig(v, 2), &scriptedBeam{out: &model.StepOutputs{}})
	require.NoError(t, err)

	_, err = e.Predict(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = e.Predict(context.Background(), "a b c d e f g")
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestPredictUnknownWordsMapToUnknown(t *testing.T) {
	v := testVocab(t, "known")
	ids, err := (&Engine{vocab: v, batchCfg: batch.Config{MaxEncoderLen: 5}}).Tokenize("known mystery")
	require.NoError(t, err)
	assert.Equal(t, []int{v.ID("known", false), v.UnknownID()}, ids)
}

func TestNewEngineRejectsWrongTransport(t *testing.T) {
	v := testVocab(t)
	_, err := NewEngine(beamConfig(v, 2), &scriptedGreedy{})
	assert.Error(t, err)

	_, err = NewEngine(beamConfig(v, 0), &scriptedBeam{})
	assert.Error(t, err)
}
