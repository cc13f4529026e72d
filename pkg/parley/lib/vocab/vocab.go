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

// Package vocab implements the bidirectional token/id table shared by the
// batch builder, the beam decoder and the MMI reranker.
//
// Ids are assigned by insertion order, with the four reserved tokens
// registered first so that the padding token is always id 0. Once a
// vocabulary has been loaded from disk it is frozen: lookups of unseen
// tokens map to the unknown id instead of growing the table, and the
// table becomes safe for concurrent readers.
package vocab

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved tokens. PadToken must be registered first: id 0 is relied on
// by the zero-initialized padding buffers in the batch builder.
const (
	PadToken     = "<pad>"
	GoToken      = "<go>"
	EosToken     = "<eos>"
	UnknownToken = "<unknown>"
)

// ErrUnknownID is returned by Token for an id that was never registered.
// Every id in circulation originates from this table, so hitting this is
// an internal inconsistency between the encode and decode paths.
var ErrUnknownID = errors.New("unknown token id")

// Vocabulary maps tokens to sequential ids and back.
//
// The zero value is not usable; call New (corpus building) or Load
// (inference / fine-tuning).
type Vocabulary struct {
	tokenToID map[string]int
	idToToken []string

	padID     int
	goID      int
	eosID     int
	unknownID int

	frozen bool
}

// New returns a mutable vocabulary with the reserved tokens registered.
func New() *Vocabulary {
	v := &Vocabulary{
		tokenToID: make(map[string]int),
	}
	v.padID = v.register(PadToken)
	v.goID = v.register(GoToken)
	v.eosID = v.register(EosToken)
	v.unknownID = v.register(UnknownToken)
	return v
}

func (v *Vocabulary) register(token string) int {
	id := len(v.idToToken)
	v.tokenToID[token] = id
	v.idToToken = append(v.idToToken, token)
	return id
}

// ID returns the id for token, lower-casing it first. If the token is
// absent and create is true (and the vocabulary is not frozen), a new id
// is assigned. Otherwise the unknown id is returned. Unseen tokens are
// never an error: the table must stay open-vocabulary-safe at inference.
func (v *Vocabulary) ID(token string, create bool) int {
	token = strings.ToLower(token)

	if id, ok := v.tokenToID[token]; ok {
		return id
	}
	if create && !v.frozen {
		return v.register(token)
	}
	return v.unknownID
}

// Token is the inverse lookup.
func (v *Vocabulary) Token(id int) (string, error) {
	if id < 0 || id >= len(v.idToToken) {
		return "", fmt.Errorf("%w: %d (vocabulary size %d)", ErrUnknownID, id, len(v.idToToken))
	}
	return v.idToToken[id], nil
}

// Size returns the number of registered tokens, reserved ones included.
func (v *Vocabulary) Size() int { return len(v.idToToken) }

// Frozen reports whether the vocabulary still accepts new tokens.
func (v *Vocabulary) Frozen() bool { return v.frozen }

// Freeze makes the vocabulary read-only. Frozen vocabularies may be read
// concurrently without synchronization.
func (v *Vocabulary) Freeze() { v.frozen = true }

// Reserved token ids.
func (v *Vocabulary) PadID() int     { return v.padID }
func (v *Vocabulary) GoID() int      { return v.goID }
func (v *Vocabulary) EosID() int     { return v.eosID }
func (v *Vocabulary) UnknownID() int { return v.unknownID }
