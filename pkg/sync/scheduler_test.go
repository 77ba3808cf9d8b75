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

package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esslcloud/agent/pkg/dedupe"
	"github.com/esslcloud/agent/pkg/device"
	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
	"github.com/esslcloud/agent/pkg/queue"
	"github.com/esslcloud/agent/pkg/state"
)

type fixture struct {
	state     *state.Store
	queue     *queue.Store
	cache     *dedupe.Cache
	manager   *device.ConnectionManager
	scheduler *Scheduler
	sims      map[string]*device.Simulator
}

func testTerminal(id string) models.Terminal {
	return models.Terminal{
		ID:             id,
		Variant:        "simulator",
		Address:        "127.0.0.1",
		PollInterval:   models.Duration(20 * time.Millisecond),
		ConnectTimeout: models.Duration(time.Second),
		UserSyncEvery:  1,
	}
}

func newFixture(t *testing.T, terminals ...models.Terminal) *fixture {
	t.Helper()

	log := logger.NewTestLogger()
	dir := t.TempDir()

	st, err := state.Load(filepath.Join(dir, "data.json"), log)
	require.NoError(t, err)

	q, err := queue.New(filepath.Join(dir, "queue.db"), 1000, 5, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	cache := dedupe.New(time.Hour, 10_000)
	t.Cleanup(cache.Close)

	f := &fixture{
		state: st,
		queue: q,
		cache: cache,
		sims:  make(map[string]*device.Simulator),
	}

	registry := device.NewRegistry()
	registry.Register("simulator", func(terminal models.Terminal, _ logger.Logger) (device.Client, error) {
		sim := f.sims[terminal.ID]
		if sim == nil {
			sim = device.NewSimulator(terminal)
			f.sims[terminal.ID] = sim
		}

		return sim, nil
	})

	f.manager = device.NewConnectionManager(registry, log)
	f.scheduler = NewScheduler(st, q, cache, f.manager, 4, nil, log)

	for _, term := range terminals {
		st.UpsertTerminal(term)
		f.sims[term.ID] = device.NewSimulator(term)
	}

	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.scheduler.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		_ = f.scheduler.Stop(context.Background())
		<-done
	})
}

func (f *fixture) depth(t *testing.T) int64 {
	t.Helper()

	n, err := f.queue.Depth(context.Background())
	require.NoError(t, err)

	return n
}

func TestOverlappingPollsEnqueueEachRecordOnce(t *testing.T) {
	term := testTerminal("term-a")
	f := newFixture(t, term)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	sim := f.sims["term-a"]
	sim.AddPunch("1001", base, 1, 0)
	sim.AddPunch("1002", base.Add(time.Minute), 1, 0)

	f.start(t)

	require.Eventually(t, func() bool { return f.depth(t) == 2 },
		2*time.Second, 10*time.Millisecond)

	// New punch arrives; the next poll replays the boundary record.
	sim.AddPunch("1003", base.Add(2*time.Minute), 1, 1)

	require.Eventually(t, func() bool { return f.depth(t) == 3 },
		2*time.Second, 10*time.Millisecond)

	// Further overlapping polls must not grow the queue.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(3), f.depth(t))

	batch, err := f.queue.PeekBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "1001", batch[0].Record.UserID)
	assert.Equal(t, "1002", batch[1].Record.UserID)
	assert.Equal(t, "1003", batch[2].Record.UserID)
}

func TestCursorAdvancesToNewestEnqueuedRecord(t *testing.T) {
	term := testTerminal("term-a")
	f := newFixture(t, term)

	newest := time.Date(2025, 6, 1, 9, 5, 0, 0, time.UTC)

	sim := f.sims["term-a"]
	sim.AddPunch("1001", newest.Add(-5*time.Minute), 1, 0)
	sim.AddPunch("1002", newest, 1, 0)

	f.start(t)

	require.Eventually(t, func() bool {
		cursor, ok := f.state.Cursor("term-a")
		return ok && cursor.Equal(newest)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnreachableTerminalDoesNotBlockOthers(t *testing.T) {
	termA := testTerminal("term-a")
	termB := testTerminal("term-b")
	f := newFixture(t, termA, termB)

	f.sims["term-a"].ConnectErr = device.ErrUnreachable
	f.sims["term-b"].AddPunch("2001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 1, 0)

	f.start(t)

	require.Eventually(t, func() bool { return f.depth(t) == 1 },
		2*time.Second, 10*time.Millisecond)

	batch, err := f.queue.PeekBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "term-b", batch[0].TerminalID)

	for _, h := range f.manager.Health() {
		if h.TerminalID == "term-a" {
			assert.Equal(t, models.StateDisconnected, h.State)
			assert.NotEmpty(t, h.LastError)
		}
	}
}

func TestUserSnapshotIsSynced(t *testing.T) {
	term := testTerminal("term-a")
	f := newFixture(t, term)

	f.sims["term-a"].SeedUsers([]models.UserRecord{
		{TerminalID: "term-a", UserID: "1001", Name: "Asha"},
		{TerminalID: "term-a", UserID: "1002", Name: "Ravi"},
	})

	f.start(t)

	require.Eventually(t, func() bool {
		return len(f.state.Users("term-a")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	users := f.state.Users("term-a")
	assert.Equal(t, "Asha", users[0].Name)
	assert.False(t, users[0].FetchedAt.IsZero())
}

func TestNegativePollIntervalDoesNotKillTheAgent(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	term := testTerminal("term-a")
	term.PollInterval = models.Duration(-5 * time.Second)
	term.ConnectTimeout = models.Duration(-time.Second)

	// A hand-edited registry or a hostile API body must not be able to
	// panic the loop goroutine and take every terminal down with it.
	require.NoError(t, f.scheduler.AddTerminal(term))

	time.Sleep(50 * time.Millisecond)

	terminals := f.state.Terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, models.DefaultPollInterval, terminals[0].PollInterval)
	assert.Equal(t, models.DefaultConnectTimeout, terminals[0].ConnectTimeout)
}

func TestRemoveTerminalStopsItsLoop(t *testing.T) {
	term := testTerminal("term-a")
	f := newFixture(t, term)

	sim := f.sims["term-a"]
	sim.AddPunch("1001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 1, 0)

	f.start(t)

	require.Eventually(t, func() bool { return f.depth(t) == 1 },
		2*time.Second, 10*time.Millisecond)

	assert.True(t, f.scheduler.RemoveTerminal("term-a"))

	// A punch after removal never reaches the queue.
	sim.AddPunch("1002", time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC), 1, 0)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), f.depth(t))
	assert.Empty(t, f.state.Terminals())
}
