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

// Package corpus extracts training samples from conversational text and
// persists the resulting dataset. It owns the tokenization and the
// length-budget filtering that the batch builder's contract relies on.
package corpus

import (
	"strings"

	"go.uber.org/zap"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// Conversation is an ordered exchange of utterances. Consecutive lines
// form (input, reply) training pairs.
type Conversation struct {
	Lines []string
}

// Extractor turns raw text into id sequences under a sentence-length
// budget, growing the vocabulary as it goes unless fine-tuning against
// a frozen one.
type Extractor struct {
	vocab *vocab.Vocabulary
	// maxLength bounds the token count of one extracted side; samples
	// built from it satisfy the batch builder's length contract with an
	// encoder budget of maxLength and a decoder budget of maxLength+2.
	maxLength int
	// create controls vocabulary growth. False when fine-tuning: unseen
	// words map to the unknown id instead of new entries.
	create bool

	logger *zap.Logger
}

// NewExtractor returns an extractor over v with the given length budget.
func NewExtractor(v *vocab.Vocabulary, maxLength int, create bool, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{vocab: v, maxLength: maxLength, create: create, logger: logger}
}

// ExtractText converts a line into token ids, adding whole sentences
// while they fit in the length budget. For inputs the last sentences are
// kept (they sit closest to the reply); for targets the first sentences
// are kept.
func (e *Extractor) ExtractText(line string, target bool) []int {
	var words []int

	sentences := Sentences(line)
	for i := range sentences {
		idx := i
		if !target {
			idx = len(sentences) - 1 - i
		}

		tokens := Words(sentences[idx])
		if len(words)+len(tokens) > e.maxLength {
			break
		}

		ids := make([]int, 0, len(tokens))
		for _, token := range tokens {
			ids = append(ids, e.vocab.ID(token, e.create))
		}

		if target {
			words = append(words, ids...)
		} else {
			words = append(ids, words...)
		}
	}
	return words
}

// ExtractPair builds one training sample from an (input, reply) pair.
// Returns false when either side tokenizes to nothing, which callers
// must treat as skip-and-continue.
func (e *Extractor) ExtractPair(input, reply string) (batch.Sample, bool) {
	sourceIDs := e.ExtractText(input, false)
	targetIDs := e.ExtractText(reply, true)
	if len(sourceIDs) == 0 || len(targetIDs) == 0 {
		return batch.Sample{}, false
	}
	return batch.Sample{SourceIDs: sourceIDs, TargetIDs: targetIDs}, true
}

// ExtractConversation emits one sample per consecutive line pair. The
// last line has no reply and is ignored.
func (e *Extractor) ExtractConversation(conv Conversation) []batch.Sample {
	var samples []batch.Sample
	for i := 0; i+1 < len(conv.Lines); i++ {
		if sample, ok := e.ExtractPair(conv.Lines[i], conv.Lines[i+1]); ok {
			samples = append(samples, sample)
		}
	}
	return samples
}

// ResponseWords flattens a reply into its lower-cased word stream, the
// input for the bigram language model.
func ResponseWords(reply string) []string {
	var words []string
	for _, sentence := range Sentences(reply) {
		for _, w := range Words(sentence) {
			// The vocabulary lower-cases on lookup; the LM stream must match.
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}
