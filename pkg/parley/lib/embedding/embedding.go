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

// Package embedding supplies the auxiliary context vectors that some
// trained models condition their decoder on. A Source maps a raw
// sentence to one fixed-size vector; samples without a usable vector
// fall back to zeros so the batch shape stays intact.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Source resolves one sentence to a context vector of Size() floats.
type Source interface {
	Vector(ctx context.Context, sentence string) ([]float32, error)
	Size() int
}

// Zero returns an all-zero vector of the given size, the fallback when
// no source is configured or resolution fails softly.
func Zero(size int) []float32 {
	return make([]float32, size)
}

// Table maps entity ids to their learned vectors. All vectors share one
// dimension.
type Table struct {
	Size    int                  `json:"size"`
	Vectors map[string][]float32 `json:"vectors"`
}

// LoadTable reads a vector table from path and validates dimensions.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading embedding table: %w", err)
	}

	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding embedding table %s: %w", path, err)
	}
	if t.Size <= 0 {
		return nil, fmt.Errorf("embedding table %s: non-positive vector size %d", path, t.Size)
	}
	for id, vec := range t.Vectors {
		if len(vec) != t.Size {
			return nil, fmt.Errorf("embedding table %s: entry %q has %d floats, want %d", path, id, len(vec), t.Size)
		}
	}
	return &t, nil
}

// HTTPSource asks an entity-extraction service which table entries a
// sentence mentions and sums their vectors. Unresolvable sentences
// yield the zero vector rather than an error; the decode proceeds
// unconditioned.
type HTTPSource struct {
	baseURL string
	table   *Table
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPSource returns a source backed by the extraction service at
// baseURL and the given vector table.
func NewHTTPSource(baseURL string, table *Table, timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSource{
		baseURL: baseURL,
		table:   table,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Size implements Source.
func (s *HTTPSource) Size() int {
	return s.table.Size
}

// Vector implements Source. The service returns the entity ids found
// in the sentence; their table vectors are summed. Ids absent from the
// table are skipped with a log line.
func (s *HTTPSource) Vector(ctx context.Context, sentence string) ([]float32, error) {
	u := fmt.Sprintf("%s/api/v1/entities?q=%s", s.baseURL, url.QueryEscape(sentence))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling entity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entity service: status %d", resp.StatusCode)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decoding entity ids: %w", err)
	}

	vec := Zero(s.table.Size)
	for _, id := range ids {
		entry, ok := s.table.Vectors[id]
		if !ok {
			s.logger.Debug("entity has no embedding", zap.String("id", id))
			continue
		}
		for i, v := range entry {
			vec[i] += v
		}
	}
	return vec, nil
}
