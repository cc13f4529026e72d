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

//go:build !(onnx && ORT)

package model

import (
	"context"
	"fmt"

	"github.com/antflydb/parley/pkg/parley/lib/batch"
)

// ONNXSession is unavailable without the onnx and ORT build tags.
type ONNXSession struct{}

func NewONNXSession(path string) (*ONNXSession, error) {
	return nil, fmt.Errorf("ONNX backend not compiled in (build with -tags \"onnx ORT\")")
}

func (s *ONNXSession) StepGreedy(ctx context.Context, b *batch.Batch) ([][]float32, error) {
	return nil, fmt.Errorf("ONNX backend not compiled in")
}

func (s *ONNXSession) Close() error { return nil }
