// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/parley/pkg/parley/lib/corpus"
	"github.com/antflydb/parley/pkg/parley/lib/vocab"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	datasetInput     string
	datasetOutput    string
	datasetMaxLength int
	datasetVocab     string
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Extract a training dataset from a dialog corpus",
	Long: `Read a dialog corpus and produce the files a model directory
needs besides the trained weights: vocab.json and dataset.json.

The corpus format is one utterance per line; a blank line separates
conversations. Consecutive utterances within one conversation become
(input, reply) pairs.`,
	RunE: runDataset,
}

func init() {
	rootCmd.AddCommand(datasetCmd)

	datasetCmd.Flags().StringVar(&datasetInput, "input", "", "dialog corpus file")
	datasetCmd.Flags().StringVar(&datasetOutput, "output", ".", "directory for vocab.json and dataset.json")
	datasetCmd.Flags().IntVar(&datasetMaxLength, "max-length", 10, "sentence token budget per side")
	datasetCmd.Flags().StringVar(&datasetVocab, "vocab", "", "existing vocab.json to fine-tune against (frozen; unseen words map to unknown)")
	_ = datasetCmd.MarkFlagRequired("input")
}

func runDataset(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	data, err := os.ReadFile(datasetInput)
	if err != nil {
		return fmt.Errorf("reading corpus: %w", err)
	}

	v := vocab.New()
	create := true
	if datasetVocab != "" {
		v, err = vocab.Load(datasetVocab)
		if err != nil {
			return err
		}
		create = false
	}

	extractor := corpus.NewExtractor(v, datasetMaxLength, create, logger)
	dataset := &corpus.Dataset{}

	var conv corpus.Conversation
	flush := func() {
		if len(conv.Lines) < 2 {
			conv.Lines = nil
			return
		}
		dataset.Samples = append(dataset.Samples, extractor.ExtractConversation(conv)...)
		for _, line := range conv.Lines[1:] {
			dataset.ResponseWords = append(dataset.ResponseWords, corpus.ResponseWords(line)...)
		}
		conv.Lines = nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		conv.Lines = append(conv.Lines, line)
	}
	flush()

	if len(dataset.Samples) == 0 {
		return fmt.Errorf("corpus %s produced no training pairs", datasetInput)
	}

	if err := os.MkdirAll(datasetOutput, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	vocabPath := filepath.Join(datasetOutput, "vocab.json")
	if err := v.Save(vocabPath); err != nil {
		return err
	}
	datasetPath := filepath.Join(datasetOutput, "dataset.json")
	if err := dataset.Save(datasetPath); err != nil {
		return err
	}

	logger.Info("Dataset extracted",
		zap.Int("samples", len(dataset.Samples)),
		zap.Int("vocab_size", v.Size()),
		zap.Int("response_words", len(dataset.ResponseWords)),
		zap.String("vocab", vocabPath),
		zap.String("dataset", datasetPath))
	return nil
}
