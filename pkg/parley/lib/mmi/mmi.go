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

// Package mmi re-scores beam candidates with the Maximum Mutual
// Information criterion: a bigram language-model fluency penalty plus a
// length-compensation term, both estimated from reference response text.
package mmi

import (
	"math"
	"sort"

	"github.com/antflydb/parley/pkg/parley/lib/beam"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// StartMarker is the synthetic predecessor of the first token when
// walking bigrams.
const StartMarker = "<start>"

// BigramModel is a maximum-likelihood conditional probability table
// P(word | previous word) over a reference token stream. It is built
// once and read-only afterwards.
type BigramModel struct {
	counts map[string]map[string]int
	totals map[string]int
}

// NewBigramModel estimates the table from consecutive word pairs in
// words. The stream is the flattened reference responses; sentence
// boundaries are not treated specially, matching how the table is
// consumed.
func NewBigramModel(words []string) *BigramModel {
	m := &BigramModel{
		counts: make(map[string]map[string]int),
		totals: make(map[string]int),
	}
	for i := 0; i+1 < len(words); i++ {
		prev, next := words[i], words[i+1]
		row := m.counts[prev]
		if row == nil {
			row = make(map[string]int)
			m.counts[prev] = row
		}
		row[next]++
		m.totals[prev]++
	}
	return m
}

// Prob returns the MLE estimate P(word|prev), 0 when the pair (or the
// conditioning word) was never observed.
func (m *BigramModel) Prob(prev, word string) float64 {
	total := m.totals[prev]
	if total == 0 {
		return 0
	}
	return float64(m.counts[prev][word]) / float64(total)
}

// Reranker applies the MMI criterion to deduplicated candidates.
type Reranker struct {
	// LM is the bigram table estimated from reference responses.
	LM *BigramModel
	// Lambda weighs the language-model penalty.
	Lambda float64
	// Gamma is the word count used both as the penalized prefix length
	// and as the per-token length bonus.
	Gamma int
}

// Rerank scores every candidate and returns them in descending adjusted
// score order. The sort is stable, so equal scores preserve the original
// (beam) order. Input candidates are not mutated.
func (r *Reranker) Rerank(candidates []beam.Candidate, v *vocab.Vocabulary) ([]beam.Candidate, error) {
	scored := make([]beam.Candidate, len(candidates))
	for i, c := range candidates {
		score, err := r.scoreOf(c, v)
		if err != nil {
			return nil, err
		}
		c.Score = score
		scored[i] = c
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored, nil
}

// scoreOf computes rawLogProb - lambda*logLMPenalty + lengthTerm, with
// the penalty restricted to the candidate's first Gamma tokens.
//
// A bigram probability of exactly zero contributes nothing to the
// penalty sum instead of -Inf. That underflow guard is kept verbatim
// from the reference behavior even though it lets sequences with rare
// bigrams score better than intended; smoothing remains an open
// improvement.
func (r *Reranker) scoreOf(c beam.Candidate, v *vocab.Vocabulary) (float64, error) {
	lengthTerm := float64(r.Gamma * len(c.TokenIDs))

	prefix := c.TokenIDs
	if len(prefix) > r.Gamma {
		prefix = prefix[:r.Gamma]
	}

	logPenalty := 0.0
	prev := StartMarker
	for _, id := range prefix {
		word, err := v.Token(id)
		if err != nil {
			return 0, err
		}
		if p := r.LM.Prob(prev, word); p > 0 {
			logPenalty += math.Log(p)
		}
		prev = word
	}

	return c.LogProb - r.Lambda*logPenalty + lengthTerm, nil
}
