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
	"context"
	"os/signal"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/parley/pkg/parley"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the parley prediction daemon",
	Long:  `Start the HTTP daemon serving decode requests for every trained model found in the models directory.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run command flags
	runCmd.Flags().String("listen", ":8090", "API listen address")
	runCmd.Flags().Int("health-port", 4200, "health/metrics server port")
	runCmd.Flags().Int("max-concurrent-decodes", 0, "maximum concurrent decodes (0 = unlimited)")
	runCmd.Flags().Int("max-queue-size", 0, "maximum queued decodes (0 = unlimited)")
	runCmd.Flags().Duration("decode-timeout", 0, "per-request queue timeout (0 = none)")
	mustBindPFlag("listen", runCmd.Flags().Lookup("listen"))
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
	mustBindPFlag("max_concurrent_decodes", runCmd.Flags().Lookup("max-concurrent-decodes"))
	mustBindPFlag("max_queue_size", runCmd.Flags().Lookup("max-queue-size"))
	mustBindPFlag("decode_timeout", runCmd.Flags().Lookup("decode-timeout"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as parley")

	svc, err := parley.NewService(parley.ServiceConfig{
		ListenAddr:   viper.GetString("listen"),
		ModelsDir:    modelsDir,
		ModelTimeout: viper.GetDuration("model_timeout"),
		Queue: parley.DecodeQueueConfig{
			MaxConcurrentDecodes: viper.GetInt("max_concurrent_decodes"),
			MaxQueueSize:         viper.GetInt("max_queue_size"),
			DecodeTimeout:        viper.GetDuration("decode_timeout"),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to initialize service", zap.Error(err))
		return err
	}

	// Health server reports ready once at least one model is loaded.
	healthserver.Start(logger, viper.GetInt("health_port"), svc.Ready)

	return svc.Start(ctx)
}
