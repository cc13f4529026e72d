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

// Package parley assembles the decoding pipeline: vocabulary lookup,
// batch building, model stepping, beam traceback and MMI reranking,
// behind one Engine per trained model.
package parley

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
	"github.com/antflydb/parley/pkg/parley/lib/beam"
	"github.com/antflydb/parley/pkg/parley/lib/corpus"
	"github.com/antflydb/parley/pkg/parley/lib/embedding"
	"github.com/antflydb/parley/pkg/parley/lib/mmi"
	"github.com/antflydb/parley/pkg/parley/lib/model"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// Input-side sentinels. Both mean "skip this input and keep serving":
// callers surface them to the client without tearing anything down.
var (
	ErrEmptyInput = errors.New("input tokenizes to nothing")
	ErrTooLong    = errors.New("input exceeds the sentence length budget")
)

// EngineConfig carries everything a single model's pipeline needs.
type EngineConfig struct {
	Vocab *vocab.Vocabulary
	Batch batch.Config

	// BeamWidth > 0 selects beam decoding; 0 means greedy argmax.
	BeamWidth int

	// Reranker applies the MMI penalty to deduplicated candidates.
	// Nil keeps raw log-probability ranking.
	Reranker *mmi.Reranker

	// Embeddings supplies auxiliary context vectors when the model was
	// trained with a context mode. Nil means zero vectors.
	Embeddings embedding.Source

	Logger *zap.Logger
}

// CandidateOut is one rendered hypothesis with its final score.
type CandidateOut struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Prediction is the result of one decode request.
type Prediction struct {
	Answer     string         `json:"answer"`
	AnswerIDs  []int          `json:"-"`
	Candidates []CandidateOut `json:"candidates,omitempty"`
}

// Engine runs decode requests against one trained model. It is
// stateless per request and safe for concurrent use as long as the
// model transport is.
type Engine struct {
	vocab      *vocab.Vocabulary
	builder    *batch.Builder
	batchCfg   batch.Config
	beamWidth  int
	reranker   *mmi.Reranker
	embeddings embedding.Source
	beamModel  model.BeamStepper
	greedy     model.GreedyStepper
	logger     *zap.Logger
}

// NewEngine builds an engine from cfg and a model transport. The
// transport must implement BeamStepper when cfg.BeamWidth > 0 and
// GreedyStepper otherwise.
func NewEngine(cfg EngineConfig, transport any) (*Engine, error) {
	if cfg.Vocab == nil {
		return nil, fmt.Errorf("engine requires a vocabulary")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		vocab:      cfg.Vocab,
		builder:    batch.NewBuilder(cfg.Batch),
		batchCfg:   cfg.Batch,
		beamWidth:  cfg.BeamWidth,
		reranker:   cfg.Reranker,
		embeddings: cfg.Embeddings,
		logger:     logger,
	}

	if cfg.BeamWidth > 0 {
		stepper, ok := transport.(model.BeamStepper)
		if !ok {
			return nil, fmt.Errorf("transport %T does not support beam decoding", transport)
		}
		e.beamModel = stepper
	} else {
		stepper, ok := transport.(model.GreedyStepper)
		if !ok {
			return nil, fmt.Errorf("transport %T does not support greedy decoding", transport)
		}
		e.greedy = stepper
	}
	return e, nil
}

// Tokenize converts a raw sentence into frozen-vocabulary ids. Unseen
// words map to the unknown id; the vocabulary never grows here.
func (e *Engine) Tokenize(sentence string) ([]int, error) {
	var ids []int
	for _, s := range corpus.Sentences(sentence) {
		for _, w := range corpus.Words(s) {
			ids = append(ids, e.vocab.ID(w, false))
		}
	}
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}
	if len(ids) > e.batchCfg.MaxEncoderLen {
		return nil, fmt.Errorf("%w: %d tokens, budget %d", ErrTooLong, len(ids), e.batchCfg.MaxEncoderLen)
	}
	return ids, nil
}

// Predict decodes one reply for sentence. ErrEmptyInput and ErrTooLong
// mean the input was rejected, not that the engine failed.
func (e *Engine) Predict(ctx context.Context, sentence string) (*Prediction, error) {
	ids, err := e.Tokenize(sentence)
	if err != nil {
		return nil, err
	}

	sample := batch.Sample{SourceIDs: ids}
	if e.batchCfg.Context != batch.ContextOff {
		sample.ContextVector = e.contextVector(ctx, sentence)
	}

	b, err := e.builder.Build([]batch.Sample{sample}, true)
	if err != nil {
		return nil, fmt.Errorf("assembling batch: %w", err)
	}

	if e.beamModel != nil {
		return e.predictBeam(ctx, b)
	}
	return e.predictGreedy(ctx, b)
}

func (e *Engine) predictBeam(ctx context.Context, b *batch.Batch) (*Prediction, error) {
	out, err := e.beamModel.Step(ctx, b, e.beamWidth)
	if err != nil {
		return nil, fmt.Errorf("beam step: %w", err)
	}

	trace := beam.Trace{
		Symbols:      out.Symbols,
		Backpointers: out.Backpointers,
		LogProbs:     out.LogProbs,
	}
	candidates, err := beam.Reconstruct(trace, e.vocab.EosID())
	if err != nil {
		return nil, err
	}
	candidates, err = beam.Dedup(e.vocab, candidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("decoder produced no candidates")
	}

	var winner beam.Candidate
	if e.reranker != nil {
		ranked, err := e.reranker.Rerank(candidates, e.vocab)
		if err != nil {
			return nil, err
		}
		candidates = ranked
		winner = ranked[0]
	} else {
		best, ok := beam.Best(candidates)
		if !ok {
			return nil, fmt.Errorf("decoder produced no candidates")
		}
		winner = best
	}

	prediction := &Prediction{AnswerIDs: winner.TokenIDs}
	if prediction.Answer, err = beam.Render(e.vocab, winner.TokenIDs); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		text, err := beam.Render(e.vocab, c.TokenIDs)
		if err != nil {
			return nil, err
		}
		prediction.Candidates = append(prediction.Candidates, CandidateOut{Text: text, Score: c.Score})
	}
	return prediction, nil
}

func (e *Engine) predictGreedy(ctx context.Context, b *batch.Batch) (*Prediction, error) {
	outputs, err := e.greedy.StepGreedy(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("greedy step: %w", err)
	}

	ids := beam.Greedy(outputs)
	answer, err := beam.Render(e.vocab, ids)
	if err != nil {
		return nil, err
	}
	return &Prediction{Answer: answer, AnswerIDs: ids}, nil
}

// contextVector resolves the auxiliary vector for sentence, falling
// back to zeros when no source is wired or resolution fails. A failed
// lookup degrades the decode, it does not abort it.
func (e *Engine) contextVector(ctx context.Context, sentence string) []float32 {
	if e.embeddings == nil {
		return embedding.Zero(e.batchCfg.ContextSize)
	}
	vec, err := e.embeddings.Vector(ctx, sentence)
	if err != nil {
		e.logger.Warn("context vector lookup failed, using zeros", zap.Error(err))
		return embedding.Zero(e.batchCfg.ContextSize)
	}
	if len(vec) != e.batchCfg.ContextSize {
		e.logger.Warn("context vector has the wrong size, using zeros",
			zap.Int("got", len(vec)),
			zap.Int("want", e.batchCfg.ContextSize))
		return embedding.Zero(e.batchCfg.ContextSize)
	}
	return vec
}
