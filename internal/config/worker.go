// jobhub is a distributed job queue and worker orchestration service.
// Copyright (C) 2026 jobhub contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkerConfig holds the environment-sourced configuration for a single
// jobhub-worker process.
type WorkerConfig struct {
	RedisURL string
	WorkerID string

	MachineID string
	// Workers lists "<type>:<count>" pairs describing which connectors to
	// load, e.g. "comfyui:2,openai:1".
	Workers []string

	PollInterval                time.Duration
	JobTimeout                  time.Duration
	HeartbeatInterval           time.Duration
	HealthCheckInterval         time.Duration
	InactivityTimeout           time.Duration
	StaleWorkerSweepMissedBeats int
}

// DefaultWorkerConfig returns the default worker configuration. RedisURL and
// WorkerID have no sane default: they are required and left blank here.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:                1 * time.Second,
		JobTimeout:                  30 * time.Minute,
		HeartbeatInterval:           30 * time.Second,
		HealthCheckInterval:         30 * time.Second,
		InactivityTimeout:           30 * time.Second,
		StaleWorkerSweepMissedBeats: 3,
	}
}

// LoadWorkerConfigFromEnv loads a WorkerConfig from the environment,
// per the external-interfaces contract: HUB_REDIS_URL and WORKER_ID are
// required, everything else has a default.
func LoadWorkerConfigFromEnv() (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()

	cfg.RedisURL = os.Getenv("HUB_REDIS_URL")
	if cfg.RedisURL == "" {
		return cfg, fmt.Errorf("HUB_REDIS_URL is required")
	}

	cfg.WorkerID = os.Getenv("WORKER_ID")
	if cfg.WorkerID == "" {
		return cfg, fmt.Errorf("WORKER_ID is required")
	}

	cfg.MachineID = os.Getenv("MACHINE_ID")

	if val := os.Getenv("WORKERS"); val != "" {
		cfg.Workers = strings.Split(val, ",")
	}

	if val := os.Getenv("WORKER_POLL_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_POLL_INTERVAL_MS: %w", err)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if val := os.Getenv("WORKER_JOB_TIMEOUT_MINUTES"); val != "" {
		minutes, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_JOB_TIMEOUT_MINUTES: %w", err)
		}
		cfg.JobTimeout = time.Duration(minutes) * time.Minute
	}

	if val := os.Getenv("WORKER_HEARTBEAT_INTERVAL"); val != "" {
		seconds, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if val := os.Getenv("WORKER_HEALTH_CHECK_INTERVAL"); val != "" {
		seconds, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_HEALTH_CHECK_INTERVAL: %w", err)
		}
		cfg.HealthCheckInterval = time.Duration(seconds) * time.Second
	}

	if val := os.Getenv("WORKER_INACTIVITY_TIMEOUT_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_INACTIVITY_TIMEOUT_MS: %w", err)
		}
		cfg.InactivityTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that must hold regardless of how the config
// was constructed.
func (c WorkerConfig) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis url cannot be empty")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker id cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StaleWorkerSweepMissedBeats < 1 {
		return fmt.Errorf("stale worker sweep missed beats must be at least 1")
	}
	return nil
}
