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

//go:build onnx && ORT

package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

// ONNXSession runs a locally exported decoder graph with ONNX Runtime.
// The graph takes the flattened encoder and decoder id tensors and
// emits one vocabulary distribution per decoder step, so it serves the
// greedy path only; beam decoding stays on the model server.
//
// Build with -tags "onnx ORT" and point LD_LIBRARY_PATH (or
// ONNXRUNTIME_ROOT) at the onnxruntime libraries.
type ONNXSession struct {
	path        string
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
}

// NewONNXSession loads the graph at path.
func NewONNXSession(path string) (*ONNXSession, error) {
	if libPath := onnxLibraryPath(); libPath != "" {
		ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("ONNX model not found: %s", path)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{"encoder_ids", "decoder_ids"},
		[]string{"step_logits"},
		sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &ONNXSession{path: path, session: session, sessionOpts: sessionOpts}, nil
}

// StepGreedy implements GreedyStepper.
func (s *ONNXSession) StepGreedy(ctx context.Context, b *batch.Batch) ([][]float32, error) {
	if s.session == nil {
		return nil, fmt.Errorf("ONNX session is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoder, err := flattenSteps(b.EncoderSeqs, b.Size)
	if err != nil {
		return nil, fmt.Errorf("encoder tensor: %w", err)
	}
	defer encoder.Destroy()

	decoder, err := flattenSteps(b.DecoderSeqs, b.Size)
	if err != nil {
		return nil, fmt.Errorf("decoder tensor: %w", err)
	}
	defer decoder.Destroy()

	outputs, err := s.session.Run([]ort.ArbitraryTensor{encoder, decoder})
	if err != nil {
		return nil, fmt.Errorf("running ONNX inference: %w", err)
	}
	defer func() {
		for _, t := range outputs {
			t.Destroy()
		}
	}()

	if len(outputs) == 0 {
		return nil, fmt.Errorf("no output tensors returned")
	}

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("step_logits tensor is not float32")
	}
	shape := logits.GetShape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("unexpected step_logits shape: %v", shape)
	}

	steps, vocabSize := int(shape[0]), int(shape[1])
	data := logits.GetData()

	out := make([][]float32, steps)
	for t := 0; t < steps; t++ {
		out[t] = make([]float32, vocabSize)
		copy(out[t], data[t*vocabSize:(t+1)*vocabSize])
	}
	return out, nil
}

// flattenSteps turns a time-major [steps][batch] id matrix into an
// int64 tensor of the same shape.
func flattenSteps(seqs [][]int, batchSize int) (*ort.Tensor[int64], error) {
	steps := len(seqs)
	flat := make([]int64, 0, steps*batchSize)
	for _, row := range seqs {
		if len(row) != batchSize {
			return nil, fmt.Errorf("row width %d does not match batch size %d", len(row), batchSize)
		}
		for _, id := range row {
			flat = append(flat, int64(id))
		}
	}
	return ort.NewTensor(ort.NewShape(int64(steps), int64(batchSize)), flat)
}

// Close implements Closer.
func (s *ONNXSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// onnxLibraryPath returns the directory holding the onnxruntime shared
// library, checking ONNXRUNTIME_ROOT then LD_LIBRARY_PATH.
func onnxLibraryPath() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, platform, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, onnxLibraryName())); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, onnxLibraryName())); err == nil {
			return directDir
		}
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			if _, err := os.Stat(filepath.Join(dir, onnxLibraryName())); err == nil {
				return dir
			}
		}
	}

	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
