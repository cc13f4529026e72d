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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/parley/pkg/parley"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	predictModel   string
	predictTestset string
	predictOutput  string
	predictVerbose bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Decode replies interactively or over a test set",
	Long: `Decode replies with one trained model, either as an interactive
terminal session or over a file of input lines. In test-set mode the
answers, the per-question candidate lists and the reference answers
(when the test set carries them) are written to the output directory.`,
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().StringVar(&predictModel, "model", "", "model name under the models directory")
	predictCmd.Flags().StringVar(&predictTestset, "testset", "", "file with one input line per prediction, optionally tab-followed by a reference answer (interactive session when empty)")
	predictCmd.Flags().StringVar(&predictOutput, "output", ".", "directory for test-set results")
	predictCmd.Flags().BoolVar(&predictVerbose, "verbose", false, "print all candidates with their scores")
	_ = predictCmd.MarkFlagRequired("model")
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	registry, err := parley.NewEngineRegistry(modelsDir, viper.GetDuration("model_timeout"), logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = registry.Close()
	}()

	engine, err := registry.Get(predictModel)
	if err != nil {
		return err
	}

	if predictTestset != "" {
		return predictFile(ctx, engine, logger)
	}
	return predictInteractive(ctx, engine)
}

// predictInteractive runs a terminal session against the engine until
// EOF or "exit". Rejected inputs are reported and skipped; the session
// continues.
func predictInteractive(ctx context.Context, engine *parley.Engine) error {
	fmt.Println("Interactive session. Type your sentence, or 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("Q: ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			return nil
		}

		prediction, err := engine.Predict(ctx, line)
		if err != nil {
			if errors.Is(err, parley.ErrEmptyInput) || errors.Is(err, parley.ErrTooLong) {
				fmt.Printf("(skipped: %v)\n", err)
				continue
			}
			return err
		}

		fmt.Printf("A: %s\n", prediction.Answer)
		if predictVerbose {
			for _, c := range prediction.Candidates {
				fmt.Printf("   %8.3f  %s\n", c.Score, c.Text)
			}
		}
		fmt.Println()
	}
}

// testsetResult is one decoded test-set line.
type testsetResult struct {
	Question   string
	Reference  string
	Answer     string
	Candidates []parley.CandidateOut
}

// predictFile decodes every line of the test set and writes the
// results. A line may carry a tab-separated reference answer.
func predictFile(ctx context.Context, engine *parley.Engine, logger *zap.Logger) error {
	data, err := os.ReadFile(predictTestset)
	if err != nil {
		return fmt.Errorf("reading test set: %w", err)
	}

	if err := os.MkdirAll(predictOutput, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var results []testsetResult
	skipped := 0

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		question, reference, _ := strings.Cut(line, "\t")
		question = strings.TrimSpace(question)
		reference = strings.TrimSpace(reference)

		prediction, err := engine.Predict(ctx, question)
		if err != nil {
			if errors.Is(err, parley.ErrEmptyInput) || errors.Is(err, parley.ErrTooLong) {
				logger.Warn("Skipping test-set line", zap.String("line", question), zap.Error(err))
				skipped++
				continue
			}
			return err
		}

		results = append(results, testsetResult{
			Question:   question,
			Reference:  reference,
			Answer:     prediction.Answer,
			Candidates: prediction.Candidates,
		})
	}

	if err := writeTestsetOutputs(predictOutput, results); err != nil {
		return err
	}

	logger.Info("Test set decoded",
		zap.Int("predicted", len(results)),
		zap.Int("skipped", skipped),
		zap.String("dir", predictOutput))
	return nil
}

// writeTestsetOutputs persists the decoded test set: the readable
// transcript, the question-to-candidate-strings mapping, the scored
// candidate detail, and the reference answers when the test set
// carried any.
func writeTestsetOutputs(dir string, results []testsetResult) error {
	var transcript strings.Builder
	var references strings.Builder
	haveRefs := false

	candidates := make(map[string][]string, len(results))
	type scored struct {
		Question   string                `json:"question"`
		Answer     string                `json:"answer"`
		Candidates []parley.CandidateOut `json:"candidates,omitempty"`
	}
	details := make([]scored, 0, len(results))

	for _, r := range results {
		fmt.Fprintf(&transcript, "Q: %s\nA: %s\n\n", r.Question, r.Answer)
		fmt.Fprintln(&references, r.Reference)
		if r.Reference != "" {
			haveRefs = true
		}

		texts := make([]string, 0, len(r.Candidates))
		for _, c := range r.Candidates {
			texts = append(texts, c.Text)
		}
		// Greedy engines produce no candidate list; the answer itself is
		// the only hypothesis.
		if len(texts) == 0 {
			texts = []string{r.Answer}
		}
		candidates[r.Question] = texts

		details = append(details, scored{Question: r.Question, Answer: r.Answer, Candidates: r.Candidates})
	}

	if err := os.WriteFile(filepath.Join(dir, "predictions.txt"), []byte(transcript.String()), 0o644); err != nil {
		return fmt.Errorf("writing predictions: %w", err)
	}

	// references.txt lines up with the predicted questions, one
	// reference per line, so the two files can be scored together.
	if haveRefs {
		if err := os.WriteFile(filepath.Join(dir, "references.txt"), []byte(references.String()), 0o644); err != nil {
			return fmt.Errorf("writing references: %w", err)
		}
	}

	dump, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding candidate map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "predict_candidates.json"), dump, 0o644); err != nil {
		return fmt.Errorf("writing candidate map: %w", err)
	}

	scores, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scored candidates: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "predict_scores.json"), scores, 0o644); err != nil {
		return fmt.Errorf("writing scored candidates: %w", err)
	}
	return nil
}
