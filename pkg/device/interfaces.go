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

// Package device manages connections to biometric terminals. The wire
// protocol lives behind the Client capability; this package owns the
// connection lifecycle around it.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

// Client wraps a single terminal's wire protocol. Implementations may
// fail or hang; callers bound every operation with a context deadline.
type Client interface {
	Connect(ctx context.Context) error
	FetchAttendance(ctx context.Context, since time.Time) ([]models.AttendanceRecord, error)
	FetchUsers(ctx context.Context) ([]models.UserRecord, error)
	Disconnect() error
}

// ClientFactory builds a Client for one terminal. Factories are
// registered per terminal variant ("zk", "simulator", ...).
type ClientFactory func(terminal models.Terminal, log logger.Logger) (Client, error)

// Registry maps terminal variants to client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ClientFactory
}

// NewRegistry returns an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ClientFactory)}
}

// Register adds a factory for the given variant, replacing any
// previous registration.
func (r *Registry) Register(variant string, factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[variant] = factory
}

// NewClient builds a client for the terminal's variant.
func (r *Registry) NewClient(terminal models.Terminal, log logger.Logger) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[terminal.Variant]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, terminal.Variant)
	}

	return factory(terminal, log)
}
