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

// Package beam reconstructs ranked candidate sequences from the per-step
// arrays a beam-search decoder emits: chosen symbols, backpointers into
// the previous step's beam, and incremental log-probabilities.
package beam

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// ErrMalformedTrace is returned when the per-step arrays disagree on
// their dimensions.
var ErrMalformedTrace = errors.New("malformed beam trace")

// Trace is the indexed (step, beam) record table produced by one decode
// call. All three tables are [steps][beamWidth]. Traversal reads the
// table by index only; nothing here is mutated after construction.
type Trace struct {
	// Symbols[t][k] is the token id chosen by beam slot k at step t.
	Symbols [][]int
	// Backpointers[t][k] is the index of the beam slot at step t-1 that
	// slot k extends.
	Backpointers [][]int
	// LogProbs[t][k] is the incremental log-probability contributed at
	// step t by slot k.
	LogProbs [][]float64
}

// Steps returns the number of decode steps in the trace.
func (tr Trace) Steps() int { return len(tr.Symbols) }

// Width returns the beam width, 0 for an empty trace.
func (tr Trace) Width() int {
	if len(tr.Symbols) == 0 {
		return 0
	}
	return len(tr.Symbols[0])
}

func (tr Trace) validate() error {
	if len(tr.Backpointers) != len(tr.Symbols) || len(tr.LogProbs) != len(tr.Symbols) {
		return fmt.Errorf("%w: %d symbol steps, %d backpointer steps, %d log-prob steps",
			ErrMalformedTrace, len(tr.Symbols), len(tr.Backpointers), len(tr.LogProbs))
	}
	width := tr.Width()
	for t := range tr.Symbols {
		if len(tr.Symbols[t]) != width || len(tr.Backpointers[t]) != width || len(tr.LogProbs[t]) != width {
			return fmt.Errorf("%w: ragged width at step %d", ErrMalformedTrace, t)
		}
	}
	return nil
}

// Candidate is one fully reconstructed hypothesis: a forward-ordered
// token sequence, its raw cumulative log-probability and, after
// reranking, an adjusted score. Candidates are immutable once emitted.
type Candidate struct {
	// TokenIDs in forward order, eos included when the hypothesis
	// terminated inside the step budget.
	TokenIDs []int
	// LogProb is the raw cumulative log-probability of the walk.
	LogProb float64
	// Beam is the originating beam slot; lower indices win ties.
	Beam int
	// Score is the MMI-adjusted score; equal to LogProb until a reranker
	// sets it.
	Score float64
}

// Reconstruct rebuilds one candidate per beam slot from tr.
//
// Each slot terminates at the first step whose symbol is eosID, or at
// the last step when no eos was produced (a hypothesis truncated by the
// step budget). From there the walk follows backpointers down to step 0,
// collecting symbols and accumulating log-probabilities; steps past the
// termination point are never visited. Candidates come back in beam
// order, index 0 first, which later serves as the tie-break.
func Reconstruct(tr Trace, eosID int) ([]Candidate, error) {
	if err := tr.validate(); err != nil {
		return nil, err
	}

	steps, width := tr.Steps(), tr.Width()
	candidates := make([]Candidate, 0, width)

	for k := 0; k < width; k++ {
		end := steps - 1
		for t := 0; t < steps; t++ {
			if tr.Symbols[t][k] == eosID {
				end = t
				break
			}
		}

		reverse := make([]int, 0, end+1)
		logProb := 0.0
		current := k
		for t := end; t >= 0; t-- {
			reverse = append(reverse, tr.Symbols[t][current])
			logProb += tr.LogProbs[t][current]
			current = tr.Backpointers[t][current]
		}

		forward := make([]int, len(reverse))
		for i, id := range reverse {
			forward[len(reverse)-1-i] = id
		}

		candidates = append(candidates, Candidate{
			TokenIDs: forward,
			LogProb:  logProb,
			Beam:     k,
			Score:    logProb,
		})
	}
	return candidates, nil
}

// Render converts a token sequence to its cleaned textual form: pad and
// go markers are stripped and generation halts at the first eos.
func Render(v *vocab.Vocabulary, ids []int) (string, error) {
	var words []string
	for _, id := range ids {
		if id == v.EosID() {
			break
		}
		if id == v.PadID() || id == v.GoID() {
			continue
		}
		word, err := v.Token(id)
		if err != nil {
			return "", err
		}
		words = append(words, word)
	}
	return strings.Join(words, " "), nil
}

// Dedup drops every candidate whose cleaned render equals that of an
// earlier candidate. Later duplicates are removed entirely, not merged;
// the lowest beam index always survives.
func Dedup(v *vocab.Vocabulary, candidates []Candidate) ([]Candidate, error) {
	seen := make(map[string]struct{}, len(candidates))
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		text, err := Render(v, c.TokenIDs)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		kept = append(kept, c)
	}
	return kept, nil
}

// Best selects the winning candidate by raw log-probability: beam 0
// seeds the scan and is replaced only on a strictly greater value, so
// ties keep the earlier beam index. Returns false for an empty list.
func Best(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LogProb > best.LogProb {
			best = c
		}
	}
	return best, true
}

// Greedy collapses per-step output distributions into a single sequence
// by taking the argmax token at every step. No traceback is involved.
func Greedy(outputs [][]float32) []int {
	sequence := make([]int, 0, len(outputs))
	for _, dist := range outputs {
		sequence = append(sequence, argmax(dist))
	}
	return sequence
}

func argmax(values []float32) int {
	if len(values) == 0 {
		return 0
	}
	maxIdx := 0
	for i, v := range values[1:] {
		if v > values[maxIdx] {
			maxIdx = i + 1
		}
	}
	return maxIdx
}
