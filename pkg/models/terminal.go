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
	"time"
)

// ConnectionState tracks a terminal's connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateDegraded is entered when a read times out on an otherwise
	// connected terminal; the next acquire forces a reconnect.
	StateDegraded ConnectionState = "degraded"
)

// Terminal default connection parameters, matching common ESSL firmware.
const (
	DefaultTerminalPort    = 4370
	DefaultCommKey         = 0
	DefaultConnectTimeout  = Duration(10 * time.Second)
	DefaultPollInterval    = Duration(30 * time.Second)
	DefaultUserSyncEvery   = 20
	DefaultTerminalVariant = "zk"
)

// Terminal describes one configured biometric terminal.
type Terminal struct {
	ID       string `json:"terminal_id"`
	Variant  string `json:"variant,omitempty"` // client implementation, e.g. "zk", "simulator"
	Address  string `json:"address"`
	Port     int    `json:"port,omitempty"`
	CommKey  int    `json:"comm_key,omitempty"` // device communication key
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	PollInterval   Duration `json:"poll_interval,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`

	// UserSyncEvery controls how many attendance cycles pass between
	// user snapshot fetches. Zero means the default; a negative value
	// disables user sync for the terminal.
	UserSyncEvery int `json:"user_sync_every,omitempty"`
}

// Normalize fills zero-valued fields with defaults. Non-positive
// durations are clamped to the defaults as well: an interval must be
// positive to drive a ticker.
func (t *Terminal) Normalize() {
	if t.Variant == "" {
		t.Variant = DefaultTerminalVariant
	}

	if t.Port <= 0 {
		t.Port = DefaultTerminalPort
	}

	if t.PollInterval <= 0 {
		t.PollInterval = DefaultPollInterval
	}

	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = DefaultConnectTimeout
	}

	if t.UserSyncEvery == 0 {
		t.UserSyncEvery = DefaultUserSyncEvery
	}
}

// TerminalHealth is a point-in-time view of a terminal's connection,
// consumed by the status API.
type TerminalHealth struct {
	TerminalID string          `json:"terminal_id"`
	Address    string          `json:"address"`
	State      ConnectionState `json:"state"`
	LastSeen   time.Time       `json:"last_seen,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// AgentHealth aggregates terminal state and queue depth for the
// operational HTTP surface.
type AgentHealth struct {
	AgentID     string           `json:"agent_id"`
	MACAddress  string           `json:"mac_address,omitempty"`
	Version     string           `json:"version,omitempty"`
	Terminals   []TerminalHealth `json:"terminals"`
	QueueDepth  int64            `json:"queue_depth"`
	DeadLetters int64            `json:"dead_letters"`
	Timestamp   time.Time        `json:"timestamp"`
}
