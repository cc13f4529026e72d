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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
	"github.com/antflydb/parley/pkg/parley/lib/corpus"
	"github.com/antflydb/parley/pkg/parley/lib/embedding"
	"github.com/antflydb/parley/pkg/parley/lib/mmi"
	"github.com/antflydb/parley/pkg/parley/lib/model"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
)

// ParamsVersion guards the params.json layout. A trained model saved
// with a different version cannot be decoded correctly, so loading it
// is an error rather than a warning.
const ParamsVersion = "0.3"

// RunParams records the training-time settings a model directory was
// produced with. Decoding must replay them exactly: the tensor shapes
// and framing are baked into the trained weights.
type RunParams struct {
	Version string `json:"version"`

	// MaxLength is the sentence token budget. The encoder budget equals
	// it; the decoder budget is MaxLength+2 for the go and eos markers.
	MaxLength int `json:"max_length"`

	WatsonMode       bool `json:"watson_mode,omitempty"`
	EchoEncoderInput bool `json:"echo_encoder_input,omitempty"`

	BeamSearch bool `json:"beam_search,omitempty"`
	BeamWidth  int  `json:"beam_width,omitempty"`

	MMI          bool    `json:"mmi,omitempty"`
	LambdaWeight float64 `json:"lambda_weight,omitempty"`
	GammaWords   int     `json:"gamma_words,omitempty"`

	// Context selects the decoder conditioning mode: "", "off",
	// "every_step" or "first_step".
	Context     string `json:"context,omitempty"`
	ContextSize int    `json:"context_size,omitempty"`

	// EmbeddingURL points at the entity-extraction service that resolves
	// an input sentence to vector-table entries. Required when a context
	// mode is enabled.
	EmbeddingURL string `json:"embedding_url,omitempty"`
	// EmbeddingTable names the vector table file inside the model
	// directory. Empty means "embeddings.json".
	EmbeddingTable string `json:"embedding_table,omitempty"`

	// ModelURL points at the server holding the trained network. Empty
	// selects the local ONNX backend over model.onnx in the model
	// directory.
	ModelURL string `json:"model_url,omitempty"`
}

// LoadRunParams reads and validates params.json at path.
func LoadRunParams(path string) (*RunParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run params: %w", err)
	}

	var p RunParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding run params %s: %w", path, err)
	}
	if p.Version != ParamsVersion {
		return nil, fmt.Errorf("run params %s: version %q does not match %q, re-train or migrate the model", path, p.Version, ParamsVersion)
	}
	if p.MaxLength <= 0 {
		return nil, fmt.Errorf("run params %s: non-positive max_length %d", path, p.MaxLength)
	}
	if p.BeamSearch && p.BeamWidth < 2 {
		return nil, fmt.Errorf("run params %s: beam search requires beam_width >= 2, got %d", path, p.BeamWidth)
	}
	if p.BeamSearch && p.ModelURL == "" {
		return nil, fmt.Errorf("run params %s: beam search requires model_url, the local backend decodes greedily", path)
	}
	mode, err := p.contextMode()
	if err != nil {
		return nil, fmt.Errorf("run params %s: %w", path, err)
	}
	if mode != batch.ContextOff {
		if p.ContextSize <= 0 {
			return nil, fmt.Errorf("run params %s: context mode %q requires a positive context_size", path, p.Context)
		}
		if p.EmbeddingURL == "" {
			return nil, fmt.Errorf("run params %s: context mode %q requires embedding_url", path, p.Context)
		}
	}
	return &p, nil
}

func (p *RunParams) contextMode() (batch.ContextMode, error) {
	switch p.Context {
	case "", "off":
		return batch.ContextOff, nil
	case "every_step":
		return batch.ContextEveryStep, nil
	case "first_step":
		return batch.ContextFirstStep, nil
	default:
		return batch.ContextOff, fmt.Errorf("unknown context mode %q", p.Context)
	}
}

// Save writes the params to path, stamping the current version.
func (p *RunParams) Save(path string) error {
	p.Version = ParamsVersion
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run params: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing run params: %w", err)
	}
	return nil
}

// EngineRegistry manages one decoding engine per trained model found
// under a models directory. Directory structure: modelsDir/model_name/
// {vocab.json, params.json[, dataset.json, embeddings.json, model.onnx]}.
type EngineRegistry struct {
	engines map[string]*Engine
	closers map[string]model.Closer
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewEngineRegistry creates a registry and discovers models in the
// given directory. Directories missing either file are skipped; ones
// that fail to load are skipped with a warning so one broken model
// does not block the rest.
func NewEngineRegistry(modelsDir string, timeout time.Duration, logger *zap.Logger) (*EngineRegistry, error) {
	registry := &EngineRegistry{
		engines: make(map[string]*Engine),
		closers: make(map[string]model.Closer),
		logger:  logger,
	}

	if modelsDir == "" {
		logger.Info("No models directory configured")
		return registry, nil
	}

	if _, err := os.Stat(modelsDir); os.IsNotExist(err) {
		logger.Warn("Models directory does not exist",
			zap.String("dir", modelsDir))
		return registry, nil
	}

	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		modelName := entry.Name()
		modelPath := filepath.Join(modelsDir, modelName)

		if !isModelDir(modelPath) {
			logger.Debug("Skipping directory without model files",
				zap.String("dir", modelName))
			continue
		}

		engine, closer, err := loadEngine(modelPath, timeout, logger.Named(modelName))
		if err != nil {
			logger.Warn("Failed to load model",
				zap.String("name", modelName),
				zap.Error(err))
			continue
		}

		registry.engines[modelName] = engine
		if closer != nil {
			registry.closers[modelName] = closer
		}
		logger.Info("Successfully loaded model",
			zap.String("name", modelName),
			zap.String("path", modelPath))
	}

	logger.Info("Engine registry initialized",
		zap.Int("models_loaded", len(registry.engines)))

	return registry, nil
}

// isModelDir reports whether path holds a complete trained model.
func isModelDir(path string) bool {
	for _, name := range []string{"vocab.json", "params.json"} {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			return false
		}
	}
	return true
}

// loadEngine assembles the full pipeline for one model directory.
func loadEngine(modelPath string, timeout time.Duration, logger *zap.Logger) (*Engine, model.Closer, error) {
	params, err := LoadRunParams(filepath.Join(modelPath, "params.json"))
	if err != nil {
		return nil, nil, err
	}

	v, err := vocab.Load(filepath.Join(modelPath, "vocab.json"))
	if err != nil {
		return nil, nil, err
	}

	mode, err := params.contextMode()
	if err != nil {
		return nil, nil, err
	}

	cfg := EngineConfig{
		Vocab: v,
		Batch: batch.Config{
			MaxEncoderLen:    params.MaxLength,
			MaxDecoderLen:    params.MaxLength + 2,
			ContextSize:      params.ContextSize,
			PadID:            v.PadID(),
			GoID:             v.GoID(),
			EosID:            v.EosID(),
			WatsonMode:       params.WatsonMode,
			EchoEncoderInput: params.EchoEncoderInput,
			Context:          mode,
		},
		Logger: logger,
	}
	if params.BeamSearch {
		cfg.BeamWidth = params.BeamWidth
	}

	if params.MMI {
		reranker, err := loadReranker(modelPath, params)
		if err != nil {
			return nil, nil, err
		}
		cfg.Reranker = reranker
	}

	if mode != batch.ContextOff {
		src, err := loadEmbeddings(modelPath, params, timeout, logger)
		if err != nil {
			return nil, nil, err
		}
		cfg.Embeddings = src
	}

	transport, closer, err := loadTransport(modelPath, params, timeout)
	if err != nil {
		return nil, nil, err
	}
	engine, err := NewEngine(cfg, transport)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}
	return engine, closer, nil
}

// loadTransport picks the model backend: an HTTP remote when model_url
// is set, otherwise a local ONNX session over model.onnx in the model
// directory.
func loadTransport(modelPath string, params *RunParams, timeout time.Duration) (any, model.Closer, error) {
	if params.ModelURL != "" {
		remote := model.NewRemote(params.ModelURL, timeout)
		return remote, remote, nil
	}

	graphPath := filepath.Join(modelPath, "model.onnx")
	if _, err := os.Stat(graphPath); err != nil {
		return nil, nil, fmt.Errorf("no model_url and no local graph: %w", err)
	}
	session, err := model.NewONNXSession(graphPath)
	if err != nil {
		return nil, nil, err
	}
	return session, session, nil
}

// loadEmbeddings builds the context vector source declared by params.
// The table dimension must match context_size: the decoder's context
// slots are sized by the trained weights, not by the table.
func loadEmbeddings(modelPath string, params *RunParams, timeout time.Duration, logger *zap.Logger) (embedding.Source, error) {
	tableName := params.EmbeddingTable
	if tableName == "" {
		tableName = "embeddings.json"
	}

	table, err := embedding.LoadTable(filepath.Join(modelPath, tableName))
	if err != nil {
		return nil, fmt.Errorf("context mode %q: %w", params.Context, err)
	}
	if table.Size != params.ContextSize {
		return nil, fmt.Errorf("embedding table %s holds %d-float vectors, params expect context_size %d",
			tableName, table.Size, params.ContextSize)
	}
	return embedding.NewHTTPSource(params.EmbeddingURL, table, timeout, logger), nil
}

// loadReranker builds the MMI reranker from the dataset's reference
// response stream.
func loadReranker(modelPath string, params *RunParams) (*mmi.Reranker, error) {
	dataset, err := corpus.LoadDataset(filepath.Join(modelPath, "dataset.json"))
	if err != nil {
		return nil, fmt.Errorf("MMI enabled but language model source missing: %w", err)
	}
	return &mmi.Reranker{
		LM:     mmi.NewBigramModel(dataset.ResponseWords),
		Lambda: params.LambdaWeight,
		Gamma:  params.GammaWords,
	}, nil
}

// Get returns an engine by model name.
func (r *EngineRegistry) Get(modelName string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[modelName]
	if !ok {
		return nil, fmt.Errorf("model not found: %s", modelName)
	}
	return engine, nil
}

// List returns all available model names.
func (r *EngineRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// Close releases every model transport.
func (r *EngineRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, closer := range r.closers {
		if err := closer.Close(); err != nil {
			r.logger.Warn("Error closing model transport",
				zap.String("name", name),
				zap.Error(err))
		}
	}
	return nil
}
