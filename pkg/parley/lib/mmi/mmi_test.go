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

package mmi

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/parley/pkg/parley/lib/beam"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

func TestBigramModelMLE(t *testing.T) {
	// "eat well" twice, "eat badly" once.
	m := NewBigramModel([]string{"eat", "well", "eat", "badly", "eat", "well"})

	// Stream bigrams: eat->well, well->eat, eat->badly, badly->eat, eat->well.
	assert.InDelta(t, 2.0/3.0, m.Prob("eat", "well"), 1e-9)
	assert.InDelta(t, 1.0/3.0, m.Prob("eat", "badly"), 1e-9)
	assert.Equal(t, 0.0, m.Prob("eat", "never"), "unseen continuation")
	assert.Equal(t, 0.0, m.Prob("never", "eat"), "unseen conditioning word")
}

func TestRerankPenaltyReordersCandidates(t *testing.T) {
	v := vocab.New()
	good := v.ID("good", true)
	day := v.ID("day", true)
	odd := v.ID("odd", true)

	// "good day" is a certainty bigram (log 1 = 0); "odd odd" was seen
	// but is unlikely, so the MMI term boosts it.
	lm := NewBigramModel([]string{"good", "day", "good", "day", "odd", "odd", "odd", "other"})
	r := &Reranker{LM: lm, Lambda: 5, Gamma: 2}

	a := beam.Candidate{TokenIDs: []int{good, day}, LogProb: -1, Beam: 0}
	b := beam.Candidate{TokenIDs: []int{odd, odd}, LogProb: -2, Beam: 1}

	ranked, err := r.Rerank([]beam.Candidate{a, b}, v)
	require.NoError(t, err)

	// score(A) = -1 - 5*(0 + log 1) + 2*2 = 3
	// score(B) = -2 - 5*(0 + log(2/3)) + 2*2 = 2 + 5*log(3/2) ~ 4.03
	require.Equal(t, 1, ranked[0].Beam, "B overtakes A despite the lower raw log-prob")
	assert.InDelta(t, 2+5*math.Log(1.5), ranked[0].Score, 1e-9)
	assert.InDelta(t, 3, ranked[1].Score, 1e-9)
}

func TestRerankZeroProbabilityContributesZero(t *testing.T) {
	v := vocab.New()
	a := v.ID("alpha", true)
	b := v.ID("beta", true)

	lm := NewBigramModel([]string{"gamma", "delta"})
	r := &Reranker{LM: lm, Lambda: 10, Gamma: 5}

	c := beam.Candidate{TokenIDs: []int{a, b}, LogProb: -3}
	ranked, err := r.Rerank([]beam.Candidate{c}, v)
	require.NoError(t, err)

	// Every bigram is unseen: the penalty must be exactly 0, never -Inf.
	assert.False(t, math.IsInf(ranked[0].Score, 0))
	assert.InDelta(t, -3+5*2, ranked[0].Score, 1e-9)
}

func TestRerankGammaRestrictsPrefixNotLength(t *testing.T) {
	v := vocab.New()
	x := v.ID("x", true)
	y := v.ID("y", true)

	lm := NewBigramModel([]string{"x", "y", "x", "y"})
	r := &Reranker{LM: lm, Lambda: 1, Gamma: 1}

	c := beam.Candidate{TokenIDs: []int{x, y, x, y}, LogProb: 0}
	ranked, err := r.Rerank([]beam.Candidate{c}, v)
	require.NoError(t, err)

	// Penalized prefix is just "x" (P(x|<start>)=0, skipped), but the
	// length bonus covers the whole candidate: 1 * 4.
	assert.InDelta(t, 4, ranked[0].Score, 1e-9)
}

func TestRerankStableOnTies(t *testing.T) {
	v := vocab.New()
	a := v.ID("one", true)
	b := v.ID("two", true)

	lm := NewBigramModel(nil)
	r := &Reranker{LM: lm, Lambda: 1, Gamma: 1}

	c0 := beam.Candidate{TokenIDs: []int{a}, LogProb: -1, Beam: 0}
	c1 := beam.Candidate{TokenIDs: []int{b}, LogProb: -1, Beam: 1}

	ranked, err := r.Rerank([]beam.Candidate{c0, c1}, v)
	require.NoError(t, err)

	assert.Equal(t, 0, ranked[0].Beam, "ties preserve original order")
	assert.Equal(t, 1, ranked[1].Beam)
}
