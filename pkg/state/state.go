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

// Package state persists the agent's working state to a single JSON
// file: the terminal registry, per-terminal read cursors, and the last
// user snapshot per terminal. Writes go through a temp file and
// rename, so the file is always either the old state or the new one.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

type stateFile struct {
	Terminals []models.Terminal              `json:"terminals"`
	Cursors   map[string]time.Time           `json:"cursors"`
	Users     map[string][]models.UserRecord `json:"users,omitempty"`
	UpdatedAt time.Time                      `json:"updated_at"`
}

// Store holds the agent state in memory and flushes it to disk on
// demand or on checkpoint. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	logger logger.Logger

	data  stateFile
	dirty bool
}

// Load reads the state file at path, or starts empty if it does not
// exist yet.
func Load(path string, log logger.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: log,
		data: stateFile{
			Cursors: make(map[string]time.Time),
			Users:   make(map[string][]models.UserRecord),
		},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", path).Msg("No state file, starting fresh")
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}

	if s.data.Cursors == nil {
		s.data.Cursors = make(map[string]time.Time)
	}

	if s.data.Users == nil {
		s.data.Users = make(map[string][]models.UserRecord)
	}

	for i := range s.data.Terminals {
		s.data.Terminals[i].Normalize()
	}

	log.Info().
		Str("path", path).
		Int("terminals", len(s.data.Terminals)).
		Int("cursors", len(s.data.Cursors)).
		Msg("State loaded")

	return s, nil
}

// Terminals returns the registered terminals, sorted by ID.
func (s *Store) Terminals() []models.Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]models.Terminal(nil), s.data.Terminals...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Terminal returns one terminal by ID.
func (s *Store) Terminal(id string) (models.Terminal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.data.Terminals {
		if t.ID == id {
			return t, true
		}
	}

	return models.Terminal{}, false
}

// UpsertTerminal adds or replaces a terminal in the registry.
func (s *Store) UpsertTerminal(terminal models.Terminal) {
	terminal.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Terminals {
		if t.ID == terminal.ID {
			s.data.Terminals[i] = terminal
			s.dirty = true

			return
		}
	}

	s.data.Terminals = append(s.data.Terminals, terminal)
	s.dirty = true
}

// RemoveTerminal drops a terminal and its cursor and user snapshot.
// Returns false if the terminal was not registered.
func (s *Store) RemoveTerminal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Terminals {
		if t.ID == id {
			s.data.Terminals = append(s.data.Terminals[:i], s.data.Terminals[i+1:]...)
			delete(s.data.Cursors, id)
			delete(s.data.Users, id)
			s.dirty = true

			return true
		}
	}

	return false
}

// Cursor returns the terminal's read cursor: the timestamp of the
// newest record that has been durably enqueued.
func (s *Store) Cursor(terminalID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data.Cursors[terminalID]

	return c, ok
}

// SetCursor advances the terminal's cursor. Moving a cursor backwards
// is allowed; the fingerprint index absorbs the replays it causes.
func (s *Store) SetCursor(terminalID string, cursor time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Cursors[terminalID] = cursor
	s.dirty = true
}

// SetUsers replaces the terminal's user snapshot. Last write wins; the
// terminal is the source of truth.
func (s *Store) SetUsers(terminalID string, users []models.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Users[terminalID] = append([]models.UserRecord(nil), users...)
	s.dirty = true
}

// Users returns the terminal's last user snapshot.
func (s *Store) Users(terminalID string) []models.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.UserRecord(nil), s.data.Users[terminalID]...)
}

// Flush writes the state to disk if it changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	s.data.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing state temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.dirty = false

	return nil
}
