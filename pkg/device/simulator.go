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
	"sort"
	"sync"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

// Simulator is an in-process terminal for development and tests. It is
// scriptable: punches and users are seeded by the caller, and failures
// or delays can be injected to exercise the connection manager.
type Simulator struct {
	mu sync.Mutex

	terminal  models.Terminal
	connected bool

	users   []models.UserRecord
	punches []models.AttendanceRecord

	// Failure injection. Errors fire once per call until cleared.
	ConnectErr   error
	FetchErr     error
	ConnectDelay time.Duration
	FetchDelay   time.Duration
}

// SimulatorFactory is the ClientFactory for the "simulator" variant.
func SimulatorFactory(terminal models.Terminal, _ logger.Logger) (Client, error) {
	return NewSimulator(terminal), nil
}

// NewSimulator creates a simulator for one terminal.
func NewSimulator(terminal models.Terminal) *Simulator {
	return &Simulator{terminal: terminal}
}

// AddPunch seeds an attendance record.
func (s *Simulator) AddPunch(userID string, ts time.Time, verifyMode, punchCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.punches = append(s.punches, models.AttendanceRecord{
		TerminalID: s.terminal.ID,
		UserID:     userID,
		Timestamp:  ts,
		VerifyMode: verifyMode,
		PunchCode:  punchCode,
	})
}

// SeedUsers replaces the simulated user table.
func (s *Simulator) SeedUsers(users []models.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = append([]models.UserRecord(nil), users...)
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	delay := s.ConnectDelay
	err := s.ConnectErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil {
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	return nil
}

// FetchAttendance returns punches at or after since, oldest first. The
// boundary record is deliberately re-returned, matching real terminals
// that replay overlapping windows on every read.
func (s *Simulator) FetchAttendance(ctx context.Context, since time.Time) ([]models.AttendanceRecord, error) {
	s.mu.Lock()
	delay := s.FetchDelay
	err := s.FetchErr
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ErrTimeout
		}
	}

	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AttendanceRecord

	for _, p := range s.punches {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out, nil
}

func (s *Simulator) FetchUsers(_ context.Context) ([]models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}

	return append([]models.UserRecord(nil), s.users...), nil
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false

	return nil
}
