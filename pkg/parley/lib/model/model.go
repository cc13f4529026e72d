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

// Package model defines the interfaces the decoding pipeline uses to
// talk to a trained seq2seq network, plus the transports that implement
// them. The pipeline never sees the network itself, only the per-step
// tensors it emits.
package model

import (
	"context"
	"fmt"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

// StepOutputs carries one beam-search run's raw tensors, indexed
// [step][beam]. Backpointers[t][k] names the step t-1 slot that slot k
// extended; LogProbs are cumulative joint log-probabilities.
type StepOutputs struct {
	Symbols      [][]int
	Backpointers [][]int
	LogProbs     [][]float64
}

// Validate checks that the three tensors agree on shape.
func (o *StepOutputs) Validate() error {
	if len(o.Symbols) != len(o.Backpointers) || len(o.Symbols) != len(o.LogProbs) {
		return fmt.Errorf("step counts disagree: %d symbols, %d backpointers, %d logprobs",
			len(o.Symbols), len(o.Backpointers), len(o.LogProbs))
	}
	for t := range o.Symbols {
		if len(o.Symbols[t]) != len(o.Backpointers[t]) || len(o.Symbols[t]) != len(o.LogProbs[t]) {
			return fmt.Errorf("step %d: beam widths disagree", t)
		}
	}
	return nil
}

// BeamStepper runs a full beam-search decode over one mono-batch and
// returns the per-step tensors for traceback.
type BeamStepper interface {
	Step(ctx context.Context, b *batch.Batch, beamWidth int) (*StepOutputs, error)
}

// GreedyStepper runs a greedy decode and returns per-step vocabulary
// distributions, indexed [step][vocab id].
type GreedyStepper interface {
	StepGreedy(ctx context.Context, b *batch.Batch) ([][]float32, error)
}

// Closer is implemented by transports holding connections or native
// sessions that must be released.
type Closer interface {
	Close() error
}
