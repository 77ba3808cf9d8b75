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

package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

func newTestStore(t *testing.T, ceiling, maxAttempts int) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "queue.db"), ceiling, maxAttempts, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func punch(terminalID, userID string, ts time.Time) *models.AttendanceRecord {
	return &models.AttendanceRecord{
		TerminalID: terminalID,
		UserID:     userID,
		Timestamp:  ts,
		VerifyMode: 1,
		PunchCode:  0,
	}
}

func TestEnqueueNewDeduplicatesOverlappingWindows(t *testing.T) {
	s := newTestStore(t, 100, 5)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	p1 := punch("term-a", "1001", base)
	p2 := punch("term-a", "1002", base.Add(time.Minute))
	p3 := punch("term-a", "1003", base.Add(2*time.Minute))

	// First poll returns P1, P2.
	for _, p := range []*models.AttendanceRecord{p1, p2} {
		ok, err := s.EnqueueNew(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Second poll overlaps: P2, P3. Only P3 is new.
	ok, err := s.EnqueueNew(ctx, p2)
	require.NoError(t, err)
	assert.False(t, ok, "overlapping record must not be re-enqueued")

	ok, err = s.EnqueueNew(ctx, p3)
	require.NoError(t, err)
	assert.True(t, ok)

	batch, err := s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	assert.Equal(t, "1001", batch[0].Record.UserID)
	assert.Equal(t, "1002", batch[1].Record.UserID)
	assert.Equal(t, "1003", batch[2].Record.UserID)
}

func TestAckedFingerprintStaysDeduplicated(t *testing.T) {
	s := newTestStore(t, 100, 5)
	ctx := context.Background()

	p := punch("term-a", "1001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	ok, err := s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	batch, err := s.PeekBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.Ack(ctx, []int64{batch[0].ID}))

	// The terminal replays the same window after delivery.
	ok, err = s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok, "delivered record must not re-enter the queue")

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestNackDelaysOnlyItsOwnTerminal(t *testing.T) {
	s := newTestStore(t, 100, 5)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	pa := punch("term-a", "1001", base)
	pb := punch("term-b", "2001", base.Add(time.Second))
	pa2 := punch("term-a", "1002", base.Add(2*time.Second))

	for _, p := range []*models.AttendanceRecord{pa, pb, pa2} {
		ok, err := s.EnqueueNew(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	batch, err := s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// term-a's head fails and backs off.
	require.NoError(t, s.Nack(ctx, batch[0].ID, "upload failed", time.Hour))

	batch, err = s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1, "term-a must be held back entirely, term-b must flow")
	assert.Equal(t, "term-b", batch[0].TerminalID)
}

func TestNackDeadLettersAfterMaxAttempts(t *testing.T) {
	s := newTestStore(t, 100, 2)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	p1 := punch("term-a", "1001", base)
	p2 := punch("term-a", "1002", base.Add(time.Second))

	for _, p := range []*models.AttendanceRecord{p1, p2} {
		ok, err := s.EnqueueNew(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	batch, err := s.PeekBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	id := batch[0].ID

	require.NoError(t, s.Nack(ctx, id, "server error", 0))
	require.NoError(t, s.Nack(ctx, id, "server error", 0))

	// Third nack targets a dead delivery.
	err = s.Nack(ctx, id, "server error", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	dead, err := s.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	// The dead letter no longer blocks its terminal.
	batch, err = s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "1002", batch[0].Record.UserID)

	letters, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "server error", letters[0].LastError)
	assert.Equal(t, 2, letters[0].Attempts)
}

func TestDeadLetterBypassesRetryBudget(t *testing.T) {
	s := newTestStore(t, 100, 10)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	p1 := punch("term-a", "1001", base)
	p2 := punch("term-a", "1002", base.Add(time.Second))

	for _, p := range []*models.AttendanceRecord{p1, p2} {
		ok, err := s.EnqueueNew(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	batch, err := s.PeekBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// One call is final, regardless of how many attempts remain.
	require.NoError(t, s.DeadLetter(ctx, batch[0].ID, "unknown terminal"))

	dead, err := s.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	err = s.DeadLetter(ctx, batch[0].ID, "again")
	assert.ErrorIs(t, err, ErrNotFound)

	// The dead letter releases its terminal's queue immediately.
	batch, err = s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "1002", batch[0].Record.UserID)

	letters, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "unknown terminal", letters[0].LastError)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestEnqueueBlocksAtCeilingUntilAck(t *testing.T) {
	s := newTestStore(t, 2, 5)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, err := s.EnqueueNew(ctx, punch("term-a", "100"+string(rune('1'+i)), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Queue is full; the next enqueue must respect the ctx deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err := s.EnqueueNew(shortCtx, punch("term-a", "1003", base.Add(3*time.Second)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Ack one and the producer unblocks.
	done := make(chan error, 1)
	go func() {
		_, err := s.EnqueueNew(ctx, punch("term-a", "1004", base.Add(4*time.Second)))
		done <- err
	}()

	batch, err := s.PeekBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, s.Ack(ctx, []int64{batch[0].ID}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not unblock after ack")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	s, err := New(path, 100, 5, logger.NewTestLogger())
	require.NoError(t, err)

	p := punch("term-a", "1001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	ok, err := s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close())

	s, err = New(path, 100, 5, logger.NewTestLogger())
	require.NoError(t, err)

	defer func() { _ = s.Close() }()

	batch, err := s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, p.Fingerprint(), batch[0].Fingerprint)

	// Dedupe index survives too.
	ok, err = s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueRollsBackFingerprintWhenInsertFails(t *testing.T) {
	s := newTestStore(t, 100, 5)
	ctx := context.Background()

	p := punch("term-a", "1001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	ok, err := s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	// Force the delivery insert to fail mid-transaction: strip the
	// fingerprint row while its delivery is still queued, so the next
	// EnqueueNew re-marks the fingerprint and then trips the UNIQUE
	// constraint on deliveries.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE fingerprint = ?`, p.Fingerprint())
	require.NoError(t, err)

	_, err = s.EnqueueNew(ctx, p)
	require.Error(t, err)

	// The failed transaction must leave no partial state behind: the
	// re-mark was rolled back along with the failed insert.
	var marks int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprints WHERE fingerprint = ?`,
		p.Fingerprint()).Scan(&marks))
	assert.Zero(t, marks, "rolled-back enqueue must not keep the fingerprint mark")

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "no duplicate delivery row")
}

func TestEnqueueFailsCleanlyAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	s, err := New(path, 100, 5, logger.NewTestLogger())
	require.NoError(t, err)

	p := punch("term-a", "1001", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))

	ok, err := s.EnqueueNew(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Close())

	// A producer racing shutdown gets an error, never partial state.
	_, err = s.EnqueueNew(ctx, punch("term-a", "1002", time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC)))
	require.Error(t, err)

	reopened, err := New(path, 100, 5, logger.NewTestLogger())
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	depth, err := reopened.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "only the committed record survives")

	// The record that never enqueued was never marked either.
	ok, err = reopened.EnqueueNew(ctx, punch("term-a", "1002", time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.True(t, ok, "unmarked record must be accepted after reopen")
}

func TestCompactDedupeKeepsQueuedFingerprints(t *testing.T) {
	s := newTestStore(t, 100, 5)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	queued := punch("term-a", "1001", base)
	delivered := punch("term-a", "1002", base.Add(time.Second))

	for _, p := range []*models.AttendanceRecord{queued, delivered} {
		ok, err := s.EnqueueNew(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	batch, err := s.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, s.Ack(ctx, []int64{batch[1].ID}))

	// Negative retention ages every entry out immediately.
	dropped, err := s.CompactDedupe(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped, "only the delivered fingerprint is droppable")

	ok, err := s.EnqueueNew(ctx, queued)
	require.NoError(t, err)
	assert.False(t, ok, "queued record's fingerprint must survive compaction")
}
