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

package state

import (
	"context"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
)

// Checkpointer periodically flushes the state store to disk, and once
// more on shutdown.
type Checkpointer struct {
	store    *Store
	interval time.Duration
	logger   logger.Logger
}

// NewCheckpointer wraps a store with a periodic flush.
func NewCheckpointer(store *Store, interval time.Duration, log logger.Logger) *Checkpointer {
	return &Checkpointer{
		store:    store,
		interval: interval,
		logger:   log,
	}
}

// Start flushes on every interval tick until ctx ends.
func (c *Checkpointer) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.store.Flush(); err != nil {
				c.logger.Error().Err(err).Msg("State checkpoint failed")
			}
		}
	}
}

// Stop performs the final flush.
func (c *Checkpointer) Stop(_ context.Context) error {
	return c.store.Flush()
}
