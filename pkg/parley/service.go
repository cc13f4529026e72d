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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics for Prometheus scraping and autoscaling.
var (
	predictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_predictions_total",
			Help: "Total prediction requests by model and status",
		},
		[]string{"model", "status"},
	)

	predictionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_prediction_duration_seconds",
			Help:    "Prediction latency by model",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	decodeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_decode_queue_depth",
			Help: "Decode requests currently waiting for a slot",
		},
	)
)

// ServiceConfig holds the daemon configuration.
type ServiceConfig struct {
	ListenAddr string
	ModelsDir  string

	// ModelTimeout bounds one round trip to the model server.
	ModelTimeout time.Duration

	Queue DecodeQueueConfig

	Logger *zap.Logger
}

// Service is the prediction daemon: one HTTP surface over the engine
// registry with bounded decode concurrency.
type Service struct {
	registry *EngineRegistry
	queue    *DecodeQueue
	server   *http.Server
	logger   *zap.Logger

	listenAddr string
	ready      bool
}

// NewService loads all models under cfg.ModelsDir and prepares the
// HTTP surface.
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	registry, err := NewEngineRegistry(cfg.ModelsDir, cfg.ModelTimeout, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		registry:   registry,
		queue:      NewDecodeQueue(cfg.Queue, logger),
		logger:     logger,
		listenAddr: cfg.ListenAddr,
		ready:      true,
	}, nil
}

// Ready reports whether the service can take traffic: it is up and at
// least one model loaded.
func (s *Service) Ready() bool {
	return s.ready && len(s.registry.List()) > 0
}

// Handler returns the service mux, exported so tests can drive it
// through httptest.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/predict", s.handlePredict)
	mux.HandleFunc("/api/v1/models", s.handleModels)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/statz", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start runs the HTTP server until ListenAndServe returns.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Prediction service listening",
		zap.String("addr", s.listenAddr),
		zap.Strings("models", s.registry.List()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
		}
	}()

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the service and releases model transports.
func (s *Service) Stop(ctx context.Context) error {
	s.ready = false
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.registry.Close()
}

type predictRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type predictResponse struct {
	Model      string         `json:"model"`
	Answer     string         `json:"answer"`
	Candidates []CandidateOut `json:"candidates,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}

	engine, err := s.registry.Get(req.Model)
	if err != nil {
		predictionsTotal.WithLabelValues(req.Model, "unknown_model").Inc()
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	release, err := s.queue.Acquire(r.Context())
	decodeQueueDepth.Set(float64(s.queue.Stats().CurrentQueued))
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			predictionsTotal.WithLabelValues(req.Model, "rejected").Inc()
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrDecodeTimeout):
			predictionsTotal.WithLabelValues(req.Model, "timeout").Inc()
			WriteTimeoutResponse(w)
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer release()

	start := time.Now()
	prediction, err := engine.Predict(r.Context(), req.Text)
	predictionLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		// Input rejections are the client's problem, not ours.
		if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrTooLong) {
			predictionsTotal.WithLabelValues(req.Model, "bad_input").Inc()
			writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		predictionsTotal.WithLabelValues(req.Model, "error").Inc()
		s.logger.Error("Prediction failed",
			zap.String("model", req.Model),
			zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "prediction failed")
		return
	}

	predictionsTotal.WithLabelValues(req.Model, "ok").Inc()
	writeJSON(w, http.StatusOK, predictResponse{
		Model:      req.Model,
		Answer:     prediction.Answer,
		Candidates: prediction.Candidates,
	})
}

func (s *Service) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": s.registry.List()})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no models loaded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding failures past this point cannot be reported to the client.
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
