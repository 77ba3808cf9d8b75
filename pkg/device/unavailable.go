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
	"fmt"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

// unavailableClient stands in for a variant whose real driver is not
// linked into the binary. Every connect fails with
// ErrDriverUnavailable, so the terminal stays registered and visible
// in health output instead of being rejected at registration time.
type unavailableClient struct {
	variant string
}

// UnavailableFactory builds clients for variants the build ships no
// driver for. Registering it keeps default-variant terminals isolated
// per terminal rather than failing the whole registry.
func UnavailableFactory(terminal models.Terminal, _ logger.Logger) (Client, error) {
	return &unavailableClient{variant: terminal.Variant}, nil
}

func (c *unavailableClient) Connect(_ context.Context) error {
	return fmt.Errorf("%w: %s", ErrDriverUnavailable, c.variant)
}

func (c *unavailableClient) FetchAttendance(_ context.Context, _ time.Time) ([]models.AttendanceRecord, error) {
	return nil, ErrNotConnected
}

func (c *unavailableClient) FetchUsers(_ context.Context) ([]models.UserRecord, error) {
	return nil, ErrNotConnected
}

func (c *unavailableClient) Disconnect() error {
	return nil
}
