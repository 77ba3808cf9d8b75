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

// Package lifecycle runs a set of long-lived services and coordinates
// their shutdown on SIGINT/SIGTERM.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/esslcloud/agent/pkg/logger"
)

const shutdownGrace = 15 * time.Second

// Service is a long-running component with a blocking Start and a
// bounded Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Run starts every service in its own goroutine and blocks until the
// context is canceled, a termination signal arrives, or a service
// fails. All services are then stopped within a grace period. Durable
// state owned by the services must survive whichever happens first.
func Run(ctx context.Context, log logger.Logger, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, len(services))

	for _, svc := range services {
		go func(s Service) {
			if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}

			errCh <- nil
		}(svc)
	}

	var runErr error

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Service failed, shutting down")
			runErr = err
		}
	case <-ctx.Done():
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()

	for _, svc := range services {
		if err := svc.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping service")

			if runErr == nil {
				runErr = err
			}
		}
	}

	return runErr
}
