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

// Package batch turns variable-length token sequences into the
// fixed-shape, time-major tensors the recurrent sequence model consumes.
package batch

import (
	"errors"
	"fmt"
)

// ErrContractViolation is returned when a sample breaks the length
// invariant. Upstream filtering must guarantee the invariant, so this is
// a bug in the caller, not a recoverable condition.
var ErrContractViolation = errors.New("sample violates length contract")

// ContextMode selects how the fixed-size context vector is injected into
// the decoder steps.
type ContextMode int

const (
	// ContextOff feeds a zero vector at every decode step.
	ContextOff ContextMode = iota
	// ContextEveryStep repeats the sample's context vector at every step.
	ContextEveryStep
	// ContextFirstStep injects the vector at step 0 only, with zero
	// vectors at all later steps.
	ContextFirstStep
)

// Config holds the immutable parameters of a Builder. There is no
// process-wide configuration: every component receives its own value.
type Config struct {
	// MaxEncoderLen is the time dimension of the encoder tensors.
	MaxEncoderLen int
	// MaxDecoderLen is the time dimension of the decoder/target/weight
	// tensors. It must leave room for the go and eos markers.
	MaxDecoderLen int
	// ContextSize is the fixed length of the per-step context vectors.
	ContextSize int

	PadID int
	GoID  int
	EosID int

	// WatsonMode swaps source and target roles before encoding, so the
	// model learns to guess the question. Only applied when training.
	WatsonMode bool
	// EchoEncoderInput feeds the encoder's own sequence (go/eos framed)
	// to the decoder instead of the target.
	EchoEncoderInput bool

	Context ContextMode
}

// Sample is one training or inference unit. SourceIDs and TargetIDs must
// respect len(SourceIDs) <= MaxEncoderLen and
// len(TargetIDs)+2 <= MaxDecoderLen. ContextVector may be nil, in which
// case a zero vector is used.
type Sample struct {
	SourceIDs     []int
	TargetIDs     []int
	ContextVector []float32
}

// Batch holds the time-major tensors for one model step: every leading
// index is the timestep, the second index is the batch column. A Batch
// is created fresh per minibatch and never mutated after Build returns.
type Batch struct {
	// EncoderSeqs is [MaxEncoderLen][batch]: the reversed, left-padded
	// source sequences.
	EncoderSeqs [][]int
	// DecoderSeqs is [MaxDecoderLen][batch]: go-framed decoder inputs,
	// right-padded.
	DecoderSeqs [][]int
	// TargetSeqs is DecoderSeqs shifted left by one step (the go marker
	// dropped), so the model output at step t is trained against the
	// token at t+1.
	TargetSeqs [][]int
	// Weights is [MaxDecoderLen][batch]: 1 up to and including the eos
	// position, 0 for padding. Excludes padding from the loss.
	Weights [][]float32
	// ContextSeqs is [MaxDecoderLen][batch][ContextSize].
	ContextSeqs [][][]float32

	// Size is the number of batch columns.
	Size int
}

// Builder assembles Batches according to a fixed Config. It is a pure
// transformation: stateless, and safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Config returns the builder's configuration.
func (b *Builder) Config() Config { return b.cfg }

// Build creates a single batch from samples. The batch size is the
// number of samples given. inference disables the watson swap, which is
// a training-time trick only.
func (b *Builder) Build(samples []Sample, inference bool) (*Batch, error) {
	cfg := b.cfg
	size := len(samples)

	// Batch-major staging rows, transposed at the end.
	encoderRows := make([][]int, size)
	decoderRows := make([][]int, size)
	targetRows := make([][]int, size)
	weightRows := make([][]float32, size)
	contextRows := make([][][]float32, size)

	for i, sample := range samples {
		source, target := sample.SourceIDs, sample.TargetIDs
		if cfg.WatsonMode && !inference {
			source, target = target, source
		}

		// Reversing the source (and only the source) puts the most recent
		// input tokens next to the start of decoding, the trick from the
		// original seq2seq paper.
		encoder := reversed(source)

		framedTarget := frame(target, cfg.GoID, cfg.EosID)
		decoder := framedTarget
		if cfg.EchoEncoderInput {
			decoder = frame(source, cfg.GoID, cfg.EosID)
		}
		// Shift left: drop the go marker.
		trainTarget := framedTarget[1:]

		if len(encoder) > cfg.MaxEncoderLen {
			return nil, fmt.Errorf("%w: sample %d source length %d exceeds %d",
				ErrContractViolation, i, len(encoder), cfg.MaxEncoderLen)
		}
		if len(decoder) > cfg.MaxDecoderLen {
			return nil, fmt.Errorf("%w: sample %d decoder length %d exceeds %d",
				ErrContractViolation, i, len(decoder), cfg.MaxDecoderLen)
		}

		// Left padding for the encoder keeps the final real token aligned
		// with the model's first processed step; decoder side pads right.
		encoderRows[i] = padLeft(encoder, cfg.MaxEncoderLen, cfg.PadID)
		decoderRows[i] = padRight(decoder, cfg.MaxDecoderLen, cfg.PadID)
		targetRows[i] = padRight(trainTarget, cfg.MaxDecoderLen, cfg.PadID)

		weights := make([]float32, cfg.MaxDecoderLen)
		for t := range trainTarget {
			weights[t] = 1.0
		}
		weightRows[i] = weights

		contextRows[i] = b.contextRow(sample.ContextVector)
	}

	return &Batch{
		EncoderSeqs: transposeInts(encoderRows, cfg.MaxEncoderLen, size),
		DecoderSeqs: transposeInts(decoderRows, cfg.MaxDecoderLen, size),
		TargetSeqs:  transposeInts(targetRows, cfg.MaxDecoderLen, size),
		Weights:     transposeFloats(weightRows, cfg.MaxDecoderLen, size),
		ContextSeqs: transposeVectors(contextRows, cfg.MaxDecoderLen, size),
		Size:        size,
	}, nil
}

// contextRow expands a sample's context vector to one vector per decode
// step, following the configured mode.
func (b *Builder) contextRow(vec []float32) [][]float32 {
	cfg := b.cfg
	row := make([][]float32, cfg.MaxDecoderLen)

	fill := func(t int, v []float32) {
		step := make([]float32, cfg.ContextSize)
		copy(step, v)
		row[t] = step
	}

	switch cfg.Context {
	case ContextEveryStep:
		for t := 0; t < cfg.MaxDecoderLen; t++ {
			fill(t, vec)
		}
	case ContextFirstStep:
		fill(0, vec)
		for t := 1; t < cfg.MaxDecoderLen; t++ {
			fill(t, nil)
		}
	default:
		for t := 0; t < cfg.MaxDecoderLen; t++ {
			fill(t, nil)
		}
	}
	return row
}

func reversed(seq []int) []int {
	out := make([]int, len(seq))
	for i, id := range seq {
		out[len(seq)-1-i] = id
	}
	return out
}

func frame(seq []int, goID, eosID int) []int {
	out := make([]int, 0, len(seq)+2)
	out = append(out, goID)
	out = append(out, seq...)
	out = append(out, eosID)
	return out
}

func padLeft(seq []int, length, padID int) []int {
	out := make([]int, length)
	offset := length - len(seq)
	for i := 0; i < offset; i++ {
		out[i] = padID
	}
	copy(out[offset:], seq)
	return out
}

func padRight(seq []int, length, padID int) []int {
	out := make([]int, length)
	copy(out, seq)
	for i := len(seq); i < length; i++ {
		out[i] = padID
	}
	return out
}

func transposeInts(rows [][]int, steps, size int) [][]int {
	out := make([][]int, steps)
	for t := 0; t < steps; t++ {
		col := make([]int, size)
		for b := 0; b < size; b++ {
			col[b] = rows[b][t]
		}
		out[t] = col
	}
	return out
}

func transposeFloats(rows [][]float32, steps, size int) [][]float32 {
	out := make([][]float32, steps)
	for t := 0; t < steps; t++ {
		col := make([]float32, size)
		for b := 0; b < size; b++ {
			col[b] = rows[b][t]
		}
		out[t] = col
	}
	return out
}

func transposeVectors(rows [][][]float32, steps, size int) [][][]float32 {
	out := make([][][]float32, steps)
	for t := 0; t < steps; t++ {
		col := make([][]float32, size)
		for b := 0; b < size; b++ {
			col[b] = rows[b][t]
		}
		out[t] = col
	}
	return out
}
