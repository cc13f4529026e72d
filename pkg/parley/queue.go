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
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the decode queue is at capacity.
	ErrQueueFull = errors.New("decode queue is full")

	// ErrDecodeTimeout is returned when a request waits past the timeout.
	ErrDecodeTimeout = errors.New("decode timeout exceeded")
)

// DecodeQueue bounds how many decode requests run at once and how many
// may wait, shedding load with backpressure once both fill up. One
// decode occupies a model-server round trip, so unbounded concurrency
// just moves the pile-up downstream.
type DecodeQueue struct {
	maxConcurrent int64
	maxQueueSize  int64
	timeout       time.Duration

	sem chan struct{}

	currentActive  atomic.Int64
	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64

	logger *zap.Logger
}

// DecodeQueueConfig holds configuration for the decode queue.
type DecodeQueueConfig struct {
	MaxConcurrentDecodes int           // 0 = unlimited
	MaxQueueSize         int           // 0 = unlimited (only when MaxConcurrentDecodes > 0)
	DecodeTimeout        time.Duration // 0 = no timeout
}

// NewDecodeQueue creates a decode queue with the given configuration.
func NewDecodeQueue(config DecodeQueueConfig, logger *zap.Logger) *DecodeQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &DecodeQueue{
		maxConcurrent: int64(config.MaxConcurrentDecodes),
		maxQueueSize:  int64(config.MaxQueueSize),
		timeout:       config.DecodeTimeout,
		logger:        logger,
	}

	if config.MaxConcurrentDecodes > 0 {
		q.sem = make(chan struct{}, config.MaxConcurrentDecodes)
		logger.Info("Decode queue initialized",
			zap.Int("max_concurrent", config.MaxConcurrentDecodes),
			zap.Int("max_queue_size", config.MaxQueueSize),
			zap.Duration("timeout", config.DecodeTimeout))
	} else {
		logger.Info("Decode queue disabled (unlimited concurrency)")
	}

	return q
}

// Acquire claims a decode slot, waiting in the queue if all slots are
// busy. The returned release function must be called when the decode
// finishes. Returns ErrQueueFull or ErrDecodeTimeout under pressure.
func (q *DecodeQueue) Acquire(ctx context.Context) (release func(), err error) {
	// No concurrency limit: only track the counters.
	if q.sem == nil {
		q.currentActive.Add(1)
		return func() {
			q.currentActive.Add(-1)
			q.totalProcessed.Add(1)
		}, nil
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer func() {
			if err != nil {
				cancel()
			}
		}()
	}

	// Fast path: a slot is free right now.
	select {
	case q.sem <- struct{}{}:
		q.currentActive.Add(1)
		return q.makeRelease(), nil
	default:
	}

	// Reserve a queue slot with a CAS loop so concurrent arrivals cannot
	// all pass the capacity check before any of them increments.
	if q.maxQueueSize > 0 {
		for {
			queued := q.currentQueued.Load()
			if queued >= q.maxQueueSize {
				q.totalRejected.Add(1)
				q.logger.Warn("Decode rejected: queue full",
					zap.Int64("queued", queued),
					zap.Int64("max_queue", q.maxQueueSize))
				return nil, ErrQueueFull
			}
			if q.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		q.currentQueued.Add(1)
	}
	queueStart := time.Now()

	q.logger.Debug("Decode queued",
		zap.Int64("queue_depth", q.currentQueued.Load()))

	select {
	case q.sem <- struct{}{}:
		q.currentQueued.Add(-1)
		q.currentActive.Add(1)
		q.logger.Debug("Decode dequeued",
			zap.Duration("wait_time", time.Since(queueStart)))
		return q.makeRelease(), nil

	case <-ctx.Done():
		q.currentQueued.Add(-1)
		if ctx.Err() == context.DeadlineExceeded {
			q.totalTimedOut.Add(1)
			q.logger.Warn("Decode timed out in queue",
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", q.timeout))
			return nil, ErrDecodeTimeout
		}
		return nil, ctx.Err()
	}
}

func (q *DecodeQueue) makeRelease() func() {
	return func() {
		q.currentActive.Add(-1)
		q.totalProcessed.Add(1)
		<-q.sem
	}
}

// Stats returns current queue statistics.
func (q *DecodeQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive:  q.currentActive.Load(),
		CurrentQueued:  q.currentQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalRejected:  q.totalRejected.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		MaxConcurrent:  q.maxConcurrent,
		MaxQueueSize:   q.maxQueueSize,
	}
}

// QueueStats holds queue statistics.
type QueueStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// IsEnabled returns true if concurrency limiting is active.
func (q *DecodeQueue) IsEnabled() bool {
	return q.sem != nil
}

// WriteQueueFullResponse writes a 503 response with a Retry-After header.
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"service overloaded, please retry later"}`))
}

// WriteTimeoutResponse writes a 504 response.
func WriteTimeoutResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = w.Write([]byte(`{"error":"decode timeout exceeded"}`))
}
