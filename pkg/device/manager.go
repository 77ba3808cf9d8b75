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

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

const (
	reconnectInitialInterval = 2 * time.Second
	reconnectMaxInterval     = 5 * time.Minute
)

// ConnectionManager owns one client per configured terminal and drives
// the per-terminal state machine:
//
//	Disconnected -> Connecting -> Connected -> (Degraded | Disconnected)
//
// Terminals are fully isolated from each other: a hung or flapping
// terminal affects only its own entry. Connections are not held open
// between polling cycles; Release always disconnects.
type ConnectionManager struct {
	registry *Registry
	logger   logger.Logger

	mu    sync.RWMutex
	conns map[string]*managedConn
}

type managedConn struct {
	mu sync.Mutex

	terminal models.Terminal
	client   Client

	state       models.ConnectionState
	lastSeen    time.Time
	lastErr     error
	retry       *backoff.ExponentialBackOff
	nextAttempt time.Time
}

// NewConnectionManager creates a manager over the given factory
// registry.
func NewConnectionManager(registry *Registry, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		registry: registry,
		logger:   log,
		conns:    make(map[string]*managedConn),
	}
}

// AddTerminal registers a terminal with the manager. Must be called
// before Acquire for that terminal.
func (m *ConnectionManager) AddTerminal(terminal models.Terminal) error {
	terminal.Normalize()

	client, err := m.registry.NewClient(terminal, m.logger)
	if err != nil {
		return err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectInitialInterval
	retry.MaxInterval = reconnectMaxInterval

	m.mu.Lock()
	defer m.mu.Unlock()

	m.conns[terminal.ID] = &managedConn{
		terminal: terminal,
		client:   client,
		state:    models.StateDisconnected,
		retry:    retry,
	}

	return nil
}

// RemoveTerminal disconnects and forgets a terminal.
func (m *ConnectionManager) RemoveTerminal(terminalID string) {
	m.mu.Lock()
	entry, ok := m.conns[terminalID]
	delete(m.conns, terminalID)
	m.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	_ = entry.client.Disconnect()
	entry.state = models.StateDisconnected
}

var errUnknownTerminal = errors.New("terminal not registered")

// Acquire connects to the terminal and returns its client for one
// polling cycle. The connect attempt is bounded by the terminal's
// connect timeout; a terminal inside its reconnect backoff window
// returns ErrBackoff immediately instead of blocking the cycle.
func (m *ConnectionManager) Acquire(ctx context.Context, terminalID string) (Client, error) {
	entry, err := m.entry(terminalID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == models.StateDegraded {
		// Force a clean reconnect after a degraded cycle.
		_ = entry.client.Disconnect()
		entry.state = models.StateDisconnected
	}

	now := time.Now()
	if now.Before(entry.nextAttempt) {
		return nil, fmt.Errorf("%w: next attempt at %s",
			ErrBackoff, entry.nextAttempt.Format(time.RFC3339))
	}

	entry.state = models.StateConnecting

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(entry.terminal.ConnectTimeout))
	defer cancel()

	if err := entry.client.Connect(connectCtx); err != nil {
		entry.state = models.StateDisconnected
		entry.lastErr = err

		wait := entry.retry.NextBackOff()
		entry.nextAttempt = now.Add(wait)

		m.logger.Warn().
			Str("terminal_id", terminalID).
			Err(err).
			Dur("retry_in", wait).
			Msg("Terminal connect failed")

		return nil, classifyConnectError(connectCtx, err)
	}

	entry.state = models.StateConnected
	entry.lastErr = nil
	entry.retry.Reset()
	entry.nextAttempt = time.Time{}

	return entry.client, nil
}

// Release ends a polling cycle. The connection is always closed;
// embedded terminals hold very few concurrent sessions, so keeping one
// open between cycles starves other consumers. A read timeout marks
// the terminal degraded, which forces a reconnect on the next Acquire.
func (m *ConnectionManager) Release(terminalID string, readErr error) {
	entry, err := m.entry(terminalID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	_ = entry.client.Disconnect()

	switch {
	case readErr == nil:
		entry.state = models.StateDisconnected
		entry.lastSeen = time.Now()
		entry.lastErr = nil
	case errors.Is(readErr, ErrTimeout) || errors.Is(readErr, context.DeadlineExceeded):
		entry.state = models.StateDegraded
		entry.lastErr = readErr

		m.logger.Warn().
			Str("terminal_id", terminalID).
			Err(readErr).
			Msg("Read timed out, terminal degraded")
	default:
		entry.state = models.StateDisconnected
		entry.lastErr = readErr
	}
}

// Health returns a snapshot of every terminal's connection state.
func (m *ConnectionManager) Health() []models.TerminalHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := make([]models.TerminalHealth, 0, len(m.conns))

	for id, entry := range m.conns {
		entry.mu.Lock()

		h := models.TerminalHealth{
			TerminalID: id,
			Address:    entry.terminal.Address,
			State:      entry.state,
			LastSeen:   entry.lastSeen,
		}

		if entry.lastErr != nil {
			h.LastError = entry.lastErr.Error()
		}

		entry.mu.Unlock()

		health = append(health, h)
	}

	return health
}

// Close disconnects all terminals.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.conns {
		entry.mu.Lock()
		_ = entry.client.Disconnect()
		entry.state = models.StateDisconnected
		entry.mu.Unlock()
	}
}

func (m *ConnectionManager) entry(terminalID string) (*managedConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.conns[terminalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownTerminal, terminalID)
	}

	return entry, nil
}

func classifyConnectError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrDriverUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, ErrUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}
