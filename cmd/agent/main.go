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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/esslcloud/agent/pkg/api"
	"github.com/esslcloud/agent/pkg/config"
	"github.com/esslcloud/agent/pkg/dedupe"
	"github.com/esslcloud/agent/pkg/device"
	"github.com/esslcloud/agent/pkg/lifecycle"
	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/queue"
	"github.com/esslcloud/agent/pkg/state"
	agentsync "github.com/esslcloud/agent/pkg/sync"
	"github.com/esslcloud/agent/pkg/uploader"
	"github.com/esslcloud/agent/pkg/version"
)

const (
	dedupeCacheTTL  = time.Hour
	dedupeCacheSize = 100_000
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "Path to agent config file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	agentLogger, err := logger.NewComponentLogger("agent", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	agentLogger.Info().
		Str("version", version.GetFullVersion()).
		Str("agent_id", cfg.AgentID).
		Str("mac_address", cfg.MACAddress).
		Str("server_url", cfg.ServerURL).
		Msg("ESSL agent starting")

	st, err := state.Load(cfg.StatePath, agentLogger)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	q, err := queue.New(cfg.QueuePath, cfg.QueueCeiling, cfg.MaxAttempts,
		agentLogger)
	if err != nil {
		return fmt.Errorf("failed to open delivery queue: %w", err)
	}
	defer func() { _ = q.Close() }()

	cache := dedupe.New(dedupeCacheTTL, dedupeCacheSize)
	defer cache.Close()

	// Prune fingerprints past the retention window from the last run.
	if dropped, err := q.CompactDedupe(ctx, time.Duration(cfg.DedupeRetention)); err != nil {
		agentLogger.Warn().Err(err).Msg("Fingerprint compaction failed")
	} else if dropped > 0 {
		agentLogger.Info().Int64("dropped", dropped).Msg("Fingerprint index compacted")
	}

	registry := device.NewRegistry()
	registry.Register("simulator", device.SimulatorFactory)
	// The zk wire driver ships separately; until it is linked in,
	// zk terminals register fine and surface a driver error per
	// connect attempt instead of failing registration outright.
	registry.Register("zk", device.UnavailableFactory)

	manager := device.NewConnectionManager(registry, agentLogger)

	scheduler := agentsync.NewScheduler(st, q, cache, manager,
		cfg.PollWorkers, nil, agentLogger)

	up := uploader.New(uploader.Config{
		ServerURL:  cfg.ServerURL,
		APIKey:     cfg.APIKey,
		AgentID:    cfg.AgentID,
		MACAddress: cfg.MACAddress,
		BatchSize:  cfg.UploadBatchSize,
		Interval:   time.Duration(cfg.UploadInterval),
	}, q, nil, agentLogger)

	checkpointer := state.NewCheckpointer(st, time.Duration(cfg.CheckpointInterval),
		agentLogger)

	apiServer := api.NewServer(cfg.ListenAddr, cfg.AgentID, cfg.MACAddress,
		st, q, manager, scheduler, up, agentLogger)

	return lifecycle.Run(ctx, agentLogger, scheduler, up, checkpointer, apiServer)
}
