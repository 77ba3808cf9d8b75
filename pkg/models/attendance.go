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

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AttendanceRecord is a single punch read from a terminal. Records are
// immutable once read; identity is the Fingerprint.
type AttendanceRecord struct {
	TerminalID string    `json:"terminal_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	VerifyMode int       `json:"verify_mode"`
	PunchCode  int       `json:"punch_code"`
}

// Fingerprint returns the stable identity of the record: a SHA-256 over
// the fields that make a punch unique on the wire. Terminals replay
// overlapping windows on every poll, so everything downstream keys on
// this value.
func (r *AttendanceRecord) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d",
		r.TerminalID, r.UserID, r.Timestamp.UTC().Unix(), r.PunchCode)))

	return hex.EncodeToString(sum[:])
}

// UserRecord is a cached snapshot of a user enrolled on a terminal. The
// terminal is the source of truth; the agent only mirrors it.
type UserRecord struct {
	TerminalID string    `json:"terminal_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Privilege  int       `json:"privilege,omitempty"`
	Card       string    `json:"card,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// PendingDelivery is a queued attendance record awaiting upload.
type PendingDelivery struct {
	Fingerprint string           `json:"fingerprint"`
	Record      AttendanceRecord `json:"record"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
}
