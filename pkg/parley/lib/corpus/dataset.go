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

package corpus

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/goccy/go-json"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

// DatasetVersion guards the on-disk dataset layout.
const DatasetVersion = "1"

// Dataset is the persisted extraction result: the training samples plus
// the flattened reference-response word stream the MMI bigram model is
// estimated from. The vocabulary is persisted separately (vocab.Save)
// so inference can load it without dragging the samples along.
type Dataset struct {
	Version       string         `json:"version"`
	Samples       []batch.Sample `json:"samples"`
	ResponseWords []string       `json:"response_words,omitempty"`
}

// sampleFile mirrors batch.Sample for serialization.
type sampleJSON struct {
	SourceIDs     []int     `json:"source_ids"`
	TargetIDs     []int     `json:"target_ids"`
	ContextVector []float32 `json:"context_vector,omitempty"`
}

type datasetJSON struct {
	Version       string       `json:"version"`
	Samples       []sampleJSON `json:"samples"`
	ResponseWords []string     `json:"response_words,omitempty"`
}

// Save writes the dataset to path as JSON.
func (d *Dataset) Save(path string) error {
	file := datasetJSON{
		Version:       DatasetVersion,
		Samples:       make([]sampleJSON, len(d.Samples)),
		ResponseWords: d.ResponseWords,
	}
	for i, s := range d.Samples {
		file.Samples[i] = sampleJSON{
			SourceIDs:     s.SourceIDs,
			TargetIDs:     s.TargetIDs,
			ContextVector: s.ContextVector,
		}
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing dataset: %w", err)
	}
	return nil
}

// LoadDataset reads a dataset from path.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}

	var file datasetJSON
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decoding dataset %s: %w", path, err)
	}
	if file.Version != DatasetVersion {
		return nil, fmt.Errorf("dataset %s: version %q does not match %q", path, file.Version, DatasetVersion)
	}

	d := &Dataset{
		Version:       file.Version,
		Samples:       make([]batch.Sample, len(file.Samples)),
		ResponseWords: file.ResponseWords,
	}
	for i, s := range file.Samples {
		d.Samples[i] = batch.Sample{
			SourceIDs:     s.SourceIDs,
			TargetIDs:     s.TargetIDs,
			ContextVector: s.ContextVector,
		}
	}
	return d, nil
}

// Shuffle permutes the samples in place using rng.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Samples), func(i, j int) {
		d.Samples[i], d.Samples[j] = d.Samples[j], d.Samples[i]
	})
}

// SampleBatches slices the samples into minibatch groups of at most
// batchSize, in order. Callers shuffle first for an epoch.
func (d *Dataset) SampleBatches(batchSize int) [][]batch.Sample {
	if batchSize <= 0 {
		return nil
	}
	var groups [][]batch.Sample
	for start := 0; start < len(d.Samples); start += batchSize {
		end := min(start+batchSize, len(d.Samples))
		groups = append(groups, d.Samples[start:end])
	}
	return groups
}
