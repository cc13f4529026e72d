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

package vocab

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// FileVersion guards the on-disk layout. Bump when vocabFile changes.
const FileVersion = "1"

// vocabFile is the on-disk representation. Tokens are stored in id order
// so the table can be rebuilt without storing both directions.
type vocabFile struct {
	Version   string   `json:"version"`
	Tokens    []string `json:"tokens"`
	PadID     int      `json:"pad_id"`
	GoID      int      `json:"go_id"`
	EosID     int      `json:"eos_id"`
	UnknownID int      `json:"unknown_id"`
}

// Save writes the vocabulary to path as JSON.
func (v *Vocabulary) Save(path string) error {
	file := vocabFile{
		Version:   FileVersion,
		Tokens:    v.idToToken,
		PadID:     v.padID,
		GoID:      v.goID,
		EosID:     v.eosID,
		UnknownID: v.unknownID,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding vocabulary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing vocabulary: %w", err)
	}
	return nil
}

// Load reads a vocabulary from path and returns it frozen. It validates
// that pad is id 0 and that the go/eos/unknown ids are distinct and in
// range, the only properties the decode pipeline relies on.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}

	var file vocabFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding vocabulary %s: %w", path, err)
	}
	if file.Version != FileVersion {
		return nil, fmt.Errorf("vocabulary %s: version %q does not match %q", path, file.Version, FileVersion)
	}
	if file.PadID != 0 {
		return nil, fmt.Errorf("vocabulary %s: pad id must be 0, got %d", path, file.PadID)
	}
	for _, id := range []int{file.GoID, file.EosID, file.UnknownID} {
		if id <= 0 || id >= len(file.Tokens) {
			return nil, fmt.Errorf("vocabulary %s: reserved id %d out of range", path, id)
		}
	}
	if file.GoID == file.EosID || file.GoID == file.UnknownID || file.EosID == file.UnknownID {
		return nil, fmt.Errorf("vocabulary %s: reserved ids must be distinct", path)
	}

	v := &Vocabulary{
		tokenToID: make(map[string]int, len(file.Tokens)),
		idToToken: file.Tokens,
		padID:     file.PadID,
		goID:      file.GoID,
		eosID:     file.EosID,
		unknownID: file.UnknownID,
		frozen:    true,
	}
	for id, token := range file.Tokens {
		v.tokenToID[token] = id
	}
	return v, nil
}
