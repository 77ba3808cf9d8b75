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

// Package sync schedules the per-terminal polling loops: connect,
// read attendance since the cursor, enqueue what is new, advance the
// cursor, disconnect. Each terminal runs on its own ticker so a slow
// or dead terminal never delays the others.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	gosync "sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/esslcloud/agent/pkg/dedupe"
	"github.com/esslcloud/agent/pkg/device"
	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
	"github.com/esslcloud/agent/pkg/queue"
	"github.com/esslcloud/agent/pkg/state"
)

// Scheduler drives one polling loop per registered terminal. It
// implements lifecycle.Service.
type Scheduler struct {
	state   *state.Store
	queue   *queue.Store
	cache   *dedupe.Cache
	manager *device.ConnectionManager
	clock   Clock
	logger  logger.Logger

	// workers bounds how many polling cycles run at once across all
	// terminals.
	workers *semaphore.Weighted

	mu      gosync.Mutex
	loops   map[string]context.CancelFunc
	baseCtx context.Context

	wg        gosync.WaitGroup
	done      chan struct{}
	closeOnce gosync.Once
}

// NewScheduler creates a scheduler over the given stores and
// connection manager. A nil clock means real time.
func NewScheduler(st *state.Store, q *queue.Store, cache *dedupe.Cache,
	manager *device.ConnectionManager, pollWorkers int, clock Clock, log logger.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}

	return &Scheduler{
		state:   st,
		queue:   q,
		cache:   cache,
		manager: manager,
		clock:   clock,
		logger:  log,
		workers: semaphore.NewWeighted(int64(pollWorkers)),
		loops:   make(map[string]context.CancelFunc),
		done:    make(chan struct{}),
	}
}

// Start launches a loop for every registered terminal and blocks until
// ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	terminals := s.state.Terminals()

	s.logger.Info().Int("terminals", len(terminals)).Msg("Starting sync scheduler")

	for _, t := range terminals {
		if t.Disabled {
			s.logger.Info().Str("terminal_id", t.ID).Msg("Terminal disabled, skipping")
			continue
		}

		if err := s.startLoop(ctx, t); err != nil {
			// One bad terminal must not take the agent down.
			s.logger.Error().Str("terminal_id", t.ID).Err(err).Msg("Terminal loop not started")
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Stop cancels every terminal loop and waits for in-flight cycles.
func (s *Scheduler) Stop(_ context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	for _, cancel := range s.loops {
		cancel()
	}
	s.loops = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()
	s.manager.Close()

	return s.state.Flush()
}

// AddTerminal registers a terminal at runtime and starts its loop. The
// loop runs under the scheduler's own context, not the caller's.
func (s *Scheduler) AddTerminal(terminal models.Terminal) error {
	terminal.Normalize()
	s.state.UpsertTerminal(terminal)

	if terminal.Disabled {
		return nil
	}

	s.mu.Lock()
	_, running := s.loops[terminal.ID]
	ctx := s.baseCtx
	s.mu.Unlock()

	if running {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return s.startLoop(ctx, terminal)
}

// RemoveTerminal stops a terminal's loop and drops it from the
// registry. Queued deliveries for the terminal are kept.
func (s *Scheduler) RemoveTerminal(terminalID string) bool {
	s.mu.Lock()
	cancel, running := s.loops[terminalID]
	delete(s.loops, terminalID)
	s.mu.Unlock()

	if running {
		cancel()
	}

	s.manager.RemoveTerminal(terminalID)

	return s.state.RemoveTerminal(terminalID)
}

func (s *Scheduler) startLoop(ctx context.Context, terminal models.Terminal) error {
	if err := s.manager.AddTerminal(terminal); err != nil {
		return fmt.Errorf("registering terminal %s: %w", terminal.ID, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.loops[terminal.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.runLoop(loopCtx, terminal)
	}()

	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, terminal models.Terminal) {
	interval := time.Duration(terminal.PollInterval)

	// Spread terminal cycles across the interval so a fleet sharing one
	// uplink does not poll in lockstep.
	jitter := time.Duration(rand.Int63n(int64(interval)))

	s.logger.Info().
		Str("terminal_id", terminal.ID).
		Dur("interval", interval).
		Dur("initial_delay", jitter).
		Msg("Terminal loop started")

	select {
	case <-ctx.Done():
		return
	case <-s.done:
		return
	case <-time.After(jitter):
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	cycle := 0

	for {
		cycle++

		syncUsers := terminal.UserSyncEvery > 0 && cycle%terminal.UserSyncEvery == 1

		if err := s.pollOnce(ctx, terminal, syncUsers); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().
				Str("terminal_id", terminal.ID).
				Err(err).
				Msg("Polling cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.Chan():
		}
	}
}

// pollOnce runs a single cycle for one terminal. The cursor advances
// only past records that were durably enqueued (or recognized as
// duplicates), so a crash mid-cycle replays rather than skips.
func (s *Scheduler) pollOnce(ctx context.Context, terminal models.Terminal, syncUsers bool) error {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.workers.Release(1)

	client, err := s.manager.Acquire(ctx, terminal.ID)
	if err != nil {
		if errors.Is(err, device.ErrBackoff) {
			s.logger.Debug().Str("terminal_id", terminal.ID).Msg("Terminal in backoff, cycle skipped")
			return nil
		}

		return fmt.Errorf("connecting to %s: %w", terminal.ID, err)
	}

	var readErr error
	defer func() { s.manager.Release(terminal.ID, readErr) }()

	since, _ := s.state.Cursor(terminal.ID)

	readCtx, cancel := context.WithTimeout(ctx, time.Duration(terminal.ConnectTimeout))
	defer cancel()

	var records []models.AttendanceRecord

	records, readErr = client.FetchAttendance(readCtx, since)
	if readErr != nil {
		return fmt.Errorf("reading attendance from %s: %w", terminal.ID, readErr)
	}

	enqueued, skipped := 0, 0
	cursor := since

	for i := range records {
		rec := records[i]
		fp := rec.Fingerprint()

		if !s.cache.Seen(fp) {
			ok, err := s.queue.EnqueueNew(ctx, &rec)
			if err != nil {
				// Records before this one are safely queued; the
				// cursor stays behind the failed record so the next
				// cycle re-reads it.
				s.saveCursor(terminal.ID, since, cursor)
				return fmt.Errorf("enqueuing record from %s: %w", terminal.ID, err)
			}

			s.cache.Mark(fp)

			if ok {
				enqueued++
			} else {
				skipped++
			}
		} else {
			skipped++
		}

		if rec.Timestamp.After(cursor) {
			cursor = rec.Timestamp
		}
	}

	s.saveCursor(terminal.ID, since, cursor)

	if syncUsers {
		s.syncUsers(readCtx, terminal, client)
	}

	if enqueued > 0 || skipped > 0 {
		s.logger.Info().
			Str("terminal_id", terminal.ID).
			Int("enqueued", enqueued).
			Int("duplicates", skipped).
			Time("cursor", cursor).
			Msg("Polling cycle complete")
	}

	return nil
}

func (s *Scheduler) saveCursor(terminalID string, since, cursor time.Time) {
	if cursor.After(since) {
		s.state.SetCursor(terminalID, cursor)
	}
}

func (s *Scheduler) syncUsers(ctx context.Context, terminal models.Terminal, client device.Client) {
	users, err := client.FetchUsers(ctx)
	if err != nil {
		// User sync is best-effort; attendance flow is unaffected.
		s.logger.Warn().
			Str("terminal_id", terminal.ID).
			Err(err).
			Msg("User snapshot failed")

		return
	}

	now := s.clock.Now()
	for i := range users {
		users[i].FetchedAt = now
	}

	s.state.SetUsers(terminal.ID, users)

	s.logger.Debug().
		Str("terminal_id", terminal.ID).
		Int("users", len(users)).
		Msg("User snapshot updated")
}
