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

package parley

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/parley/pkg/parley/lib/corpus"
	"github.com/antflydb/parley/pkg/parley/lib/embedding"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// writeModelDir lays out a loadable model directory and returns its
// parent models dir.
func writeModelDir(t *testing.T, name string, params RunParams, withDataset bool) string {
	t.Helper()

	modelsDir := t.TempDir()
	dir := filepath.Join(modelsDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	v := vocab.New()
	v.ID("hello", true)
	v.ID("world", true)
	require.NoError(t, v.Save(filepath.Join(dir, "vocab.json")))

	require.NoError(t, params.Save(filepath.Join(dir, "params.json")))

	if withDataset {
		d := &corpus.Dataset{ResponseWords: []string{"hello", "world"}}
		require.NoError(t, d.Save(filepath.Join(dir, "dataset.json")))
	}
	return modelsDir
}

func TestRunParamsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.json")

	p := RunParams{
		MaxLength:    10,
		BeamSearch:   true,
		BeamWidth:    4,
		MMI:          true,
		LambdaWeight: 0.5,
		GammaWords:   3,
		Context:      "first_step",
		ContextSize:  8,
		EmbeddingURL: "http://localhost:9100",
		ModelURL:     "http://localhost:9000",
	}
	require.NoError(t, p.Save(path))

	loaded, err := LoadRunParams(path)
	require.NoError(t, err)
	assert.Equal(t, ParamsVersion, loaded.Version)
	assert.Equal(t, 10, loaded.MaxLength)
	assert.Equal(t, 4, loaded.BeamWidth)
}

func TestLoadRunParamsRejectsVersionDrift(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"0.2","max_length":10,"model_url":"http://x"}`), 0o644))

	_, err := LoadRunParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestLoadRunParamsValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(body string) string {
		path := filepath.Join(dir, "params.json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := LoadRunParams(write(`{"version":"0.3","max_length":0,"model_url":"http://x"}`))
	assert.Error(t, err, "max_length must be positive")

	_, err = LoadRunParams(write(`{"version":"0.3","max_length":5,"beam_search":true,"beam_width":1,"model_url":"http://x"}`))
	assert.Error(t, err, "beam width below 2 is meaningless")

	_, err = LoadRunParams(write(`{"version":"0.3","max_length":5,"context":"sometimes","model_url":"http://x"}`))
	assert.Error(t, err, "unknown context mode")

	_, err = LoadRunParams(write(`{"version":"0.3","max_length":5,"beam_search":true,"beam_width":2}`))
	assert.Error(t, err, "beam search needs a model server, the local backend is greedy")

	_, err = LoadRunParams(write(`{"version":"0.3","max_length":5,"context":"every_step","context_size":4,"model_url":"http://x"}`))
	assert.Error(t, err, "context mode without embedding_url")

	_, err = LoadRunParams(write(`{"version":"0.3","max_length":5,"context":"every_step","embedding_url":"http://e","model_url":"http://x"}`))
	assert.Error(t, err, "context mode without a positive context_size")
}

func TestEngineRegistryDiscovery(t *testing.T) {
	modelsDir := writeModelDir(t, "cornell", RunParams{
		MaxLength: 10,
		ModelURL:  "http://localhost:9000",
	}, false)

	// A directory without model files is skipped silently.
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "scratch"), 0o755))

	r, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"cornell"}, r.List())

	engine, err := r.Get("cornell")
	require.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestEngineRegistryMMIRequiresDataset(t *testing.T) {
	params := RunParams{
		MaxLength:    10,
		BeamSearch:   true,
		BeamWidth:    2,
		MMI:          true,
		LambdaWeight: 0.4,
		GammaWords:   3,
		ModelURL:     "http://localhost:9000",
	}

	// Without dataset.json the model is skipped, not fatal.
	modelsDir := writeModelDir(t, "mmi-model", params, false)
	r, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.List())

	// With the dataset it loads.
	modelsDir = writeModelDir(t, "mmi-model", params, true)
	r2, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, []string{"mmi-model"}, r2.List())
}

// writeEmbeddingTable drops a vector table with one entry of the given
// dimension into a model directory.
func writeEmbeddingTable(t *testing.T, dir string, size int) {
	t.Helper()

	table := embedding.Table{Size: size, Vectors: map[string][]float32{"pizza": make([]float32, size)}}
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "embeddings.json"), data, 0o644))
}

func TestEngineRegistryContextNeedsEmbeddingTable(t *testing.T) {
	params := RunParams{
		MaxLength:    10,
		Context:      "every_step",
		ContextSize:  4,
		EmbeddingURL: "http://localhost:9100",
		ModelURL:     "http://localhost:9000",
	}

	// Without the vector table the model is skipped: a context-trained
	// model must not silently decode with zero vectors.
	modelsDir := writeModelDir(t, "ctx-model", params, false)
	r, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.List())

	// With a table of the declared dimension it loads, embeddings wired.
	modelsDir = writeModelDir(t, "ctx-model", params, false)
	writeEmbeddingTable(t, filepath.Join(modelsDir, "ctx-model"), 4)
	r2, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r2.Close()
	require.Equal(t, []string{"ctx-model"}, r2.List())

	// A dimension mismatch is a load failure, not a silent truncation.
	modelsDir = writeModelDir(t, "ctx-model", params, false)
	writeEmbeddingTable(t, filepath.Join(modelsDir, "ctx-model"), 3)
	r3, err := NewEngineRegistry(modelsDir, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r3.Close()
	assert.Empty(t, r3.List())
}

func TestLoadEngineLocalBackendSelection(t *testing.T) {
	params := RunParams{MaxLength: 10}

	// No model_url and no local graph: the directory is not servable.
	modelsDir := writeModelDir(t, "local", params, false)
	modelDir := filepath.Join(modelsDir, "local")
	_, _, err := loadEngine(modelDir, time.Second, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.onnx")

	// With a graph present the local ONNX backend is selected. Session
	// construction fails in builds without the runtime, which still
	// proves the selection, and a junk graph fails either way.
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.onnx"), []byte("not a graph"), 0o644))
	_, _, err = loadEngine(modelDir, time.Second, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ONNX")
}

func TestEngineRegistryMissingDir(t *testing.T) {
	r, err := NewEngineRegistry(filepath.Join(t.TempDir(), "nope"), time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.List())
}
