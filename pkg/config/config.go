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

// Package config loads agent configuration from a JSON file with
// .env-style environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
)

var (
	errMissingServerURL = errors.New("server_url is required (SERVER_URL)")
	errMissingAgentID   = errors.New("agent_id is required (AGENT_ID)")
	errReadConfig       = errors.New("failed to read config file")
	errParseConfig      = errors.New("failed to parse config file")
)

const (
	defaultListenAddr         = "127.0.0.1:8321"
	defaultStatePath          = "data.json"
	defaultQueuePath          = "deliveries.db"
	defaultPollWorkers        = 8
	defaultUploadBatchSize    = 100
	defaultUploadInterval     = models.Duration(5 * time.Second)
	defaultMaxAttempts        = 10
	defaultQueueCeiling       = 50000
	defaultCheckpointInterval = models.Duration(30 * time.Second)
	defaultDedupeRetention    = models.Duration(45 * 24 * time.Hour)
)

// Config is the full agent configuration, injected explicitly into each
// service at startup.
type Config struct {
	AgentID    string `json:"agent_id"`
	ServerURL  string `json:"server_url"`
	APIKey     string `json:"api_key,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`

	// MACAddress is discovered at load time, not configured.
	MACAddress string `json:"-"`

	StatePath string `json:"state_path,omitempty"`
	QueuePath string `json:"queue_path,omitempty"`

	PollWorkers        int             `json:"poll_workers,omitempty"`
	UploadBatchSize    int             `json:"upload_batch_size,omitempty"`
	UploadInterval     models.Duration `json:"upload_interval,omitempty"`
	MaxAttempts        int             `json:"max_attempts,omitempty"`
	QueueCeiling       int             `json:"queue_ceiling,omitempty"`
	CheckpointInterval models.Duration `json:"checkpoint_interval,omitempty"`
	DedupeRetention    models.Duration `json:"dedupe_retention,omitempty"`

	Logging *logger.Config `json:"logging,omitempty"`
}

// Load reads the optional JSON config file at path, applies environment
// overrides (a .env file in the working directory is honored), fills
// defaults, and validates. An empty path or a missing file is fine as
// long as the environment carries the required values.
func Load(path string) (*Config, error) {
	// Missing .env is not an error; environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)

		switch {
		case err == nil:
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("%w: %w", errParseConfig, jsonErr)
			}
		case os.IsNotExist(err):
			// fall through to env-only configuration
		default:
			return nil, fmt.Errorf("%w: %w", errReadConfig, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	cfg.MACAddress = physicalMAC()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_URL"); v != "" {
		c.ServerURL = v
	}

	if v := os.Getenv("AGENT_ID"); v != "" {
		c.AgentID = v
	}

	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}

	host := os.Getenv("HOST")
	port := os.Getenv("PORT")

	if host != "" || port != "" {
		if host == "" {
			host = "127.0.0.1"
		}

		if port == "" {
			port = "8321"
		}

		c.ListenAddr = host + ":" + port
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}

	if c.StatePath == "" {
		c.StatePath = defaultStatePath
	}

	if c.QueuePath == "" {
		c.QueuePath = defaultQueuePath
	}

	if c.PollWorkers <= 0 {
		c.PollWorkers = defaultPollWorkers
	}

	if c.UploadBatchSize <= 0 {
		c.UploadBatchSize = defaultUploadBatchSize
	}

	if c.UploadInterval <= 0 {
		c.UploadInterval = defaultUploadInterval
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.QueueCeiling <= 0 {
		c.QueueCeiling = defaultQueueCeiling
	}

	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}

	if c.DedupeRetention <= 0 {
		c.DedupeRetention = defaultDedupeRetention
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errMissingServerURL
	}

	if c.AgentID == "" {
		return errMissingAgentID
	}

	return nil
}
