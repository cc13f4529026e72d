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

package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

// Remote talks to a model server over HTTP. The server owns the trained
// network; we ship it the assembled batch tensors and get raw decode
// tensors back.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote returns a client for the model server at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type stepRequest struct {
	EncoderSeqs [][]int       `json:"encoder_seqs"`
	DecoderSeqs [][]int       `json:"decoder_seqs"`
	ContextSeqs [][][]float32 `json:"context_seqs,omitempty"`
	BeamWidth   int           `json:"beam_width,omitempty"`
}

type beamStepResponse struct {
	Symbols      [][]int     `json:"symbols"`
	Backpointers [][]int     `json:"backpointers"`
	LogProbs     [][]float64 `json:"log_probs"`
}

type greedyStepResponse struct {
	Outputs [][]float32 `json:"outputs"`
}

// Step implements BeamStepper against the server's beam endpoint.
func (r *Remote) Step(ctx context.Context, b *batch.Batch, beamWidth int) (*StepOutputs, error) {
	req := stepRequest{
		EncoderSeqs: b.EncoderSeqs,
		DecoderSeqs: b.DecoderSeqs,
		ContextSeqs: b.ContextSeqs,
		BeamWidth:   beamWidth,
	}

	var resp beamStepResponse
	if err := r.post(ctx, "/api/v1/step/beam", req, &resp); err != nil {
		return nil, err
	}

	out := &StepOutputs{
		Symbols:      resp.Symbols,
		Backpointers: resp.Backpointers,
		LogProbs:     resp.LogProbs,
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("model server returned malformed tensors: %w", err)
	}
	return out, nil
}

// StepGreedy implements GreedyStepper against the server's greedy
// endpoint.
func (r *Remote) StepGreedy(ctx context.Context, b *batch.Batch) ([][]float32, error) {
	req := stepRequest{
		EncoderSeqs: b.EncoderSeqs,
		DecoderSeqs: b.DecoderSeqs,
		ContextSeqs: b.ContextSeqs,
	}

	var resp greedyStepResponse
	if err := r.post(ctx, "/api/v1/step/greedy", req, &resp); err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("model server %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Close implements Closer. The HTTP client holds no per-model state.
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
