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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

func testBatch(t *testing.T) *batch.Batch {
	t.Helper()
	builder := batch.NewBuilder(batch.Config{
		MaxEncoderLen: 3,
		MaxDecoderLen: 5,
		PadID:         0,
		GoID:          1,
		EosID:         2,
	})
	b, err := builder.Build([]batch.Sample{{SourceIDs: []int{4, 5}}}, true)
	require.NoError(t, err)
	return b
}

func TestRemoteStep(t *testing.T) {
	var gotPath string
	var gotReq stepRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := beamStepResponse{
			Symbols:      [][]int{{4, 5}, {2, 6}},
			Backpointers: [][]int{{0, 0}, {0, 1}},
			LogProbs:     [][]float64{{-1, -2}, {-1.5, -3}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	defer r.Close()

	out, err := r.Step(context.Background(), testBatch(t), 2)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/step/beam", gotPath)
	assert.Equal(t, 2, gotReq.BeamWidth)
	assert.Len(t, gotReq.EncoderSeqs, 3, "time-major rows travel as-is")
	assert.Equal(t, [][]int{{4, 5}, {2, 6}}, out.Symbols)
}

func TestRemoteStepRejectsMalformedTensors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := beamStepResponse{
			Symbols:      [][]int{{4, 5}},
			Backpointers: [][]int{{0, 0}, {0, 1}},
			LogProbs:     [][]float64{{-1, -2}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	defer r.Close()

	_, err := r.Step(context.Background(), testBatch(t), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestRemoteStepGreedy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/step/greedy", r.URL.Path)
		resp := greedyStepResponse{Outputs: [][]float32{{0.1, 0.9}, {0.8, 0.2}}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	defer r.Close()

	out, err := r.StepGreedy(context.Background(), testBatch(t))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.9}, {0.8, 0.2}}, out)
}

func TestRemoteSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, time.Second)
	defer r.Close()

	_, err := r.Step(context.Background(), testBatch(t), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestStepOutputsValidate(t *testing.T) {
	ok := &StepOutputs{
		Symbols:      [][]int{{1}},
		Backpointers: [][]int{{0}},
		LogProbs:     [][]float64{{-1}},
	}
	assert.NoError(t, ok.Validate())

	bad := &StepOutputs{
		Symbols:      [][]int{{1, 2}},
		Backpointers: [][]int{{0}},
		LogProbs:     [][]float64{{-1, -2}},
	}
	assert.Error(t, bad.Validate())
}
