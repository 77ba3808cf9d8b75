/*
 * Copyright 2025 ESSL Cloud Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uploader

import (
	"sync"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
)

// BreakerState is the circuit breaker state for the upload path.
type BreakerState int

const (
	// BreakerClosed - uploads flow normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen - the server is failing, upload cycles are skipped.
	BreakerOpen
	// BreakerHalfOpen - probing whether the server has recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the upload circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed cycles
	// before the circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes needed to
	// close an open circuit.
	SuccessThreshold int
	// OpenTimeout is how long an open circuit waits before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the defaults used in production.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker keeps a flapping upstream from burning the queue's retry
// budget: while it is open, deliveries wait in the queue instead of
// accumulating attempts.
type Breaker struct {
	mu sync.Mutex

	config       BreakerConfig
	state        BreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	logger       logger.Logger
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig, log logger.Logger) *Breaker {
	return &Breaker{
		config: config,
		state:  BreakerClosed,
		logger: log,
	}
}

// Allow reports whether an upload cycle may run now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailTime) >= b.config.OpenTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.logger.Info().Msg("Upload circuit half-open, probing server")

			return true
		}

		return false
	default:
		return false
	}
}

// Record feeds a cycle result into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailTime = time.Now()

		switch b.state {
		case BreakerClosed:
			if b.failures >= b.config.FailureThreshold {
				b.state = BreakerOpen
				b.logger.Warn().
					Int("failures", b.failures).
					Msg("Upload circuit opened")
			}
		case BreakerHalfOpen:
			b.state = BreakerOpen
			b.logger.Warn().Msg("Upload circuit reopened after failed probe")
		}

		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.logger.Info().Msg("Upload circuit closed, server recovered")
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}
