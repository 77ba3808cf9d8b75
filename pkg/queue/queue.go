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

// Package queue is the durable delivery queue between terminal polling
// and upload. It also owns the fingerprint index, so marking a record
// seen and enqueuing it commit in one transaction: a crash can never
// leave a record marked but not queued, or queued twice.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS fingerprints (
		fingerprint TEXT PRIMARY KEY,
		terminal_id TEXT NOT NULL,
		seen_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fingerprints_seen_at
		ON fingerprints(seen_at);

	CREATE TABLE IF NOT EXISTS deliveries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		terminal_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		payload     BLOB NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT,
		enqueued_at INTEGER NOT NULL,
		not_before  INTEGER NOT NULL DEFAULT 0,
		dead        INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_terminal
		ON deliveries(terminal_id, dead, id);
`

// backpressurePollInterval bounds how long a blocked producer waits
// before re-checking depth when no Ack arrives to wake it.
const backpressurePollInterval = 500 * time.Millisecond

var (
	// ErrQueueClosed is returned by operations after Close.
	ErrQueueClosed = errors.New("delivery queue closed")

	// ErrNotFound is returned when a delivery id does not exist.
	ErrNotFound = errors.New("delivery not found")
)

// Delivery is one queued record as handed to the uploader.
type Delivery struct {
	ID          int64
	TerminalID  string
	Fingerprint string
	Record      models.AttendanceRecord
	Attempts    int
	EnqueuedAt  time.Time
}

// Store is the SQLite-backed queue. All methods are safe for
// concurrent use; SQLite serializes the writes.
type Store struct {
	db     *sql.DB
	logger logger.Logger

	ceiling     int
	maxAttempts int

	space  chan struct{}
	closed chan struct{}
}

// New opens (or creates) the queue database at path. The database runs
// in WAL mode so the uploader can read batches while pollers enqueue.
func New(path string, ceiling, maxAttempts int, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	// Single connection: modernc.org/sqlite serializes anyway, and one
	// connection keeps transactions from contending on the file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}

	s := &Store{
		db:          db,
		logger:      log,
		ceiling:     ceiling,
		maxAttempts: maxAttempts,
		space:       make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}

	depth, _ := s.Depth(context.Background())
	log.Info().Str("path", path).Int64("depth", depth).Msg("Delivery queue opened")

	return s, nil
}

// EnqueueNew marks the record's fingerprint seen and enqueues it, in
// one transaction. It returns false without enqueuing when the
// fingerprint was already seen. When the queue is at its ceiling the
// call blocks until the uploader acknowledges something or ctx ends;
// polling slows down rather than dropping records.
func (s *Store) EnqueueNew(ctx context.Context, record *models.AttendanceRecord) (bool, error) {
	if err := s.waitForSpace(ctx); err != nil {
		return false, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encoding record: %w", err)
	}

	fingerprint := record.Fingerprint()
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO fingerprints (fingerprint, terminal_id, seen_at) VALUES (?, ?, ?)`,
		fingerprint, record.TerminalID, now)
	if err != nil {
		return false, fmt.Errorf("recording fingerprint: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if inserted == 0 {
		// Seen before: either queued, delivered, or dead-lettered.
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries (terminal_id, fingerprint, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		record.TerminalID, fingerprint, payload, now); err != nil {
		return false, fmt.Errorf("enqueuing delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing enqueue: %w", err)
	}

	return true, nil
}

// PeekBatch returns up to limit deliveries that are ready now, in
// queue order. Per-terminal order is strict: a delivery is skipped
// while an older live delivery for the same terminal is still backing
// off, but other terminals' records flow past it.
func (s *Store) PeekBatch(ctx context.Context, limit int) ([]Delivery, error) {
	now := time.Now().Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.terminal_id, d.fingerprint, d.payload, d.attempts, d.enqueued_at
		FROM deliveries d
		WHERE d.dead = 0
		  AND d.not_before <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM deliveries e
			WHERE e.terminal_id = d.terminal_id
			  AND e.dead = 0
			  AND e.id < d.id
			  AND e.not_before > ?
		  )
		ORDER BY d.id
		LIMIT ?`,
		now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batch []Delivery

	for rows.Next() {
		var (
			d        Delivery
			payload  []byte
			enqueued int64
		)

		if err := rows.Scan(&d.ID, &d.TerminalID, &d.Fingerprint, &payload, &d.Attempts, &enqueued); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}

		if err := json.Unmarshal(payload, &d.Record); err != nil {
			return nil, fmt.Errorf("decoding delivery %d: %w", d.ID, err)
		}

		d.EnqueuedAt = time.Unix(enqueued, 0)
		batch = append(batch, d)
	}

	return batch, rows.Err()
}

// Ack removes delivered records from the queue. Their fingerprints
// stay in the index so a later overlapping poll cannot re-enqueue
// them.
func (s *Store) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ack transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("acking delivery %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ack: %w", err)
	}

	s.signalSpace()

	return nil
}

// Nack records a failed delivery attempt. The delivery becomes ready
// again after retryIn; once attempts reach the configured maximum it
// is dead-lettered and stops blocking its terminal's queue.
func (s *Store) Nack(ctx context.Context, id int64, cause string, retryIn time.Duration) error {
	notBefore := time.Now().Add(retryIn).Unix()

	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET attempts = attempts + 1,
		    last_error = ?,
		    not_before = ?,
		    dead = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
		WHERE id = ? AND dead = 0`,
		cause, notBefore, s.maxAttempts, id)
	if err != nil {
		return fmt.Errorf("nacking delivery %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	var dead bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT dead FROM deliveries WHERE id = ?`, id).Scan(&dead); err != nil {
		return err
	}

	if dead {
		s.logger.Warn().
			Int64("delivery_id", id).
			Str("cause", cause).
			Int("max_attempts", s.maxAttempts).
			Msg("Delivery dead-lettered")
		s.signalSpace()
	}

	return nil
}

// DeadLetter marks a delivery permanently failed, bypassing the retry
// budget. Used when the server rejects a record outright: retrying a
// rejection can never succeed.
func (s *Store) DeadLetter(ctx context.Context, id int64, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET attempts = attempts + 1,
		    last_error = ?,
		    dead = 1
		WHERE id = ? AND dead = 0`,
		cause, id)
	if err != nil {
		return fmt.Errorf("dead-lettering delivery %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	s.logger.Warn().
		Int64("delivery_id", id).
		Str("cause", cause).
		Msg("Delivery dead-lettered")
	s.signalSpace()

	return nil
}

// Depth returns the number of live (not dead-lettered) deliveries.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE dead = 0`).Scan(&n)

	return n, err
}

// DeadLetterCount returns the number of dead-lettered deliveries.
func (s *Store) DeadLetterCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE dead = 1`).Scan(&n)

	return n, err
}

// DeadLetters returns up to limit dead-lettered deliveries for
// inspection over the status API.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]models.PendingDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, payload, attempts, last_error, enqueued_at
		FROM deliveries WHERE dead = 1 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PendingDelivery

	for rows.Next() {
		var (
			p        models.PendingDelivery
			payload  []byte
			lastErr  sql.NullString
			enqueued int64
		)

		if err := rows.Scan(&p.Fingerprint, &payload, &p.Attempts, &lastErr, &enqueued); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}

		if err := json.Unmarshal(payload, &p.Record); err != nil {
			return nil, fmt.Errorf("decoding dead letter: %w", err)
		}

		p.EnqueuedAt = time.Unix(enqueued, 0)
		p.LastError = lastErr.String
		out = append(out, p)
	}

	return out, rows.Err()
}

// CompactDedupe drops fingerprint entries older than retention, except
// those still referenced by a queued delivery. Bounds index growth
// while keeping the overlap window covered.
func (s *Store) CompactDedupe(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fingerprints
		WHERE seen_at < ?
		  AND fingerprint NOT IN (SELECT fingerprint FROM deliveries)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("compacting fingerprint index: %w", err)
	}

	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}

	return s.db.Close()
}

func (s *Store) waitForSpace(ctx context.Context) error {
	for {
		depth, err := s.Depth(ctx)
		if err != nil {
			return err
		}

		if depth < int64(s.ceiling) {
			return nil
		}

		s.logger.Debug().Int64("depth", depth).Int("ceiling", s.ceiling).
			Msg("Queue at ceiling, enqueue blocked")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrQueueClosed
		case <-s.space:
		case <-time.After(backpressurePollInterval):
		}
	}
}

func (s *Store) signalSpace() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}
