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

// Package uploader drains the delivery queue to the cloud endpoint in
// batches. Delivery is at-least-once: a record leaves the queue only
// on an explicit per-fingerprint acknowledgement from the server.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
	"github.com/esslcloud/agent/pkg/queue"
)

const (
	uploadTimeout        = 30 * time.Second
	retryInitialInterval = 5 * time.Second
	retryMaxInterval     = 10 * time.Minute
)

var (
	// ErrServerRejected indicates the server refused the batch outright.
	// Rejected deliveries are dead-lettered, never retried.
	ErrServerRejected = errors.New("server rejected batch")

	// ErrUnauthorized indicates the API key was refused. Treated as
	// transient: the operator fixing the key must not cost records.
	ErrUnauthorized = errors.New("server refused API key")
)

// HTTPClient abstracts the HTTP transport for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the uploader settings.
type Config struct {
	ServerURL  string
	APIKey     string
	AgentID    string
	MACAddress string
	BatchSize  int
	Interval   time.Duration
}

// batchRequest is the wire format of one upload.
type batchRequest struct {
	AgentID    string        `json:"agent_id"`
	MACAddress string        `json:"mac_address,omitempty"`
	BatchID    string        `json:"batch_id"`
	Records    []batchRecord `json:"records"`
}

type batchRecord struct {
	Fingerprint string                  `json:"fingerprint"`
	Record      models.AttendanceRecord `json:"record"`
}

// batchResponse is the server's per-fingerprint verdict.
type batchResponse struct {
	Accepted []string `json:"accepted"`
	Rejected []struct {
		Fingerprint string `json:"fingerprint"`
		Reason      string `json:"reason"`
	} `json:"rejected"`
}

// Uploader is the queue-draining worker. It implements
// lifecycle.Service.
type Uploader struct {
	config  Config
	queue   *queue.Store
	client  HTTPClient
	breaker *Breaker
	retry   *backoff.ExponentialBackOff
	logger  logger.Logger

	done chan struct{}
}

// New creates an uploader over the queue. A nil client means a default
// http.Client with the upload timeout.
func New(config Config, q *queue.Store, client HTTPClient, log logger.Logger) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: uploadTimeout}
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = retryInitialInterval
	retry.MaxInterval = retryMaxInterval

	return &Uploader{
		config:  config,
		queue:   q,
		client:  client,
		breaker: NewBreaker(DefaultBreakerConfig(), log),
		retry:   retry,
		logger:  log,
		done:    make(chan struct{}),
	}
}

// Start drains the queue on every interval tick until ctx ends.
func (u *Uploader) Start(ctx context.Context) error {
	u.logger.Info().
		Str("server_url", u.config.ServerURL).
		Dur("interval", u.config.Interval).
		Int("batch_size", u.config.BatchSize).
		Msg("Starting uploader")

	ticker := time.NewTicker(u.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.done:
			return nil
		case <-ticker.C:
			if err := u.uploadOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				u.logger.Error().Err(err).Msg("Upload cycle failed")
			}
		}
	}
}

// Stop attempts one final drain so a clean shutdown leaves as little
// behind as possible, then stops the loop.
func (u *Uploader) Stop(ctx context.Context) error {
	select {
	case <-u.done:
		return nil
	default:
		close(u.done)
	}

	if err := u.uploadOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		u.logger.Warn().Err(err).Msg("Final drain incomplete, records remain queued")
	}

	return nil
}

// Breaker exposes the upload circuit state for the status API.
func (u *Uploader) Breaker() *Breaker {
	return u.breaker
}

func (u *Uploader) uploadOnce(ctx context.Context) error {
	if !u.breaker.Allow() {
		u.logger.Debug().Msg("Upload circuit open, cycle skipped")
		return nil
	}

	batch, err := u.queue.PeekBatch(ctx, u.config.BatchSize)
	if err != nil {
		return fmt.Errorf("reading batch: %w", err)
	}

	if len(batch) == 0 {
		return nil
	}

	resp, err := u.postBatch(ctx, batch)

	if errors.Is(err, ErrServerRejected) {
		// The server answered and refused the batch for good. That is
		// a healthy upstream (the breaker stays closed) and a
		// permanently undeliverable batch: retrying cannot change the
		// verdict, so it goes straight to the dead letters.
		u.breaker.Record(nil)

		for _, d := range batch {
			if dlErr := u.queue.DeadLetter(ctx, d.ID, err.Error()); dlErr != nil {
				u.logger.Error().Err(dlErr).Int64("delivery_id", d.ID).Msg("Dead-letter failed")
			}
		}

		return err
	}

	u.breaker.Record(err)

	if err != nil {
		// Transport failure, 5xx, or refused credentials: the batch
		// may still succeed later, so every delivery retries after the
		// shared backoff interval.
		wait := u.retry.NextBackOff()

		for _, d := range batch {
			if nackErr := u.queue.Nack(ctx, d.ID, err.Error(), wait); nackErr != nil {
				u.logger.Error().Err(nackErr).Int64("delivery_id", d.ID).Msg("Nack failed")
			}
		}

		return err
	}

	u.retry.Reset()

	return u.settle(ctx, batch, resp)
}

func (u *Uploader) postBatch(ctx context.Context, batch []queue.Delivery) (*batchResponse, error) {
	payload := batchRequest{
		AgentID:    u.config.AgentID,
		MACAddress: u.config.MACAddress,
		BatchID:    uuid.New().String(),
		Records:    make([]batchRecord, 0, len(batch)),
	}

	for _, d := range batch {
		payload.Records = append(payload.Records, batchRecord{
			Fingerprint: d.Fingerprint,
			Record:      d.Record,
		})
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.config.ServerURL+"/api/v1/attendance/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", u.config.APIKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("server error: %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrServerRejected, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var verdict batchResponse
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return &verdict, nil
}

// settle applies the server's per-fingerprint verdict: accepted
// deliveries leave the queue, rejected ones are dead-lettered
// immediately. Fingerprints the server did not mention stay queued
// untouched.
func (u *Uploader) settle(ctx context.Context, batch []queue.Delivery, verdict *batchResponse) error {
	byFingerprint := make(map[string]int64, len(batch))
	for _, d := range batch {
		byFingerprint[d.Fingerprint] = d.ID
	}

	acked := make([]int64, 0, len(verdict.Accepted))

	for _, fp := range verdict.Accepted {
		if id, ok := byFingerprint[fp]; ok {
			acked = append(acked, id)
		}
	}

	if err := u.queue.Ack(ctx, acked); err != nil {
		return fmt.Errorf("acking batch: %w", err)
	}

	for _, rej := range verdict.Rejected {
		id, ok := byFingerprint[rej.Fingerprint]
		if !ok {
			continue
		}

		// A rejection is the server's final word on the record.
		if err := u.queue.DeadLetter(ctx, id, rej.Reason); err != nil {
			u.logger.Error().Err(err).Int64("delivery_id", id).Msg("Dead-letter failed")
		}
	}

	u.logger.Info().
		Int("accepted", len(acked)).
		Int("rejected", len(verdict.Rejected)).
		Msg("Batch settled")

	return nil
}
