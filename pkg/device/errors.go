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

import "errors"

var (
	// ErrUnreachable indicates the terminal could not be reached on
	// the network.
	ErrUnreachable = errors.New("terminal unreachable")

	// ErrAuthFailed indicates the terminal rejected the communication
	// key. Not retried by the connection manager until the next cycle.
	ErrAuthFailed = errors.New("terminal authentication failed")

	// ErrTimeout indicates a connect or read exceeded its deadline
	// while the terminal was otherwise reachable.
	ErrTimeout = errors.New("terminal operation timed out")

	// ErrNotConnected indicates a read was attempted without an
	// established session.
	ErrNotConnected = errors.New("not connected to terminal")

	// ErrUnknownVariant indicates no client factory is registered for
	// the terminal's variant.
	ErrUnknownVariant = errors.New("unknown terminal variant")

	// ErrBackoff indicates the terminal is in its reconnect backoff
	// window; the caller should skip this cycle and retry later.
	ErrBackoff = errors.New("terminal in reconnect backoff")

	// ErrDriverUnavailable indicates the terminal's variant is known
	// but its driver is not linked into this build.
	ErrDriverUnavailable = errors.New("terminal driver not linked in this build")
)
