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
	"time"
)

// APIConfig holds the environment-sourced configuration for the
// jobhub-api process: the submission API, the SSE/WS progress bridge, and
// the webhook dispatcher.
type APIConfig struct {
	RedisURL string
	HTTPAddr string

	RetryAttestationTTL     time.Duration
	PermanentAttestationTTL time.Duration

	BridgeSubscriberQueueSize int

	RateLimitRequestsPerMinute int
	CORSAllowedOrigins         []string

	WebhookWorkerCount int
	WebhookMaxRetries  int
	WebhookHTTPTimeout time.Duration
}

// DefaultAPIConfig returns the default API configuration.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		HTTPAddr:                   ":8080",
		RetryAttestationTTL:        5 * time.Minute,
		PermanentAttestationTTL:    24 * time.Hour,
		BridgeSubscriberQueueSize:  256,
		RateLimitRequestsPerMinute: 600,
		WebhookWorkerCount:         10,
		WebhookMaxRetries:          3,
		WebhookHTTPTimeout:         10 * time.Second,
	}
}

// LoadAPIConfigFromEnv loads an APIConfig from the environment.
func LoadAPIConfigFromEnv() (APIConfig, error) {
	cfg := DefaultAPIConfig()

	cfg.RedisURL = os.Getenv("JOBHUB_REDIS_URL")
	if cfg.RedisURL == "" {
		return cfg, fmt.Errorf("JOBHUB_REDIS_URL is required")
	}

	if val := os.Getenv("JOBHUB_HTTP_ADDR"); val != "" {
		cfg.HTTPAddr = val
	}

	if val := os.Getenv("JOBHUB_RETRY_ATTESTATION_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_RETRY_ATTESTATION_TTL: %w", err)
		}
		cfg.RetryAttestationTTL = d
	}

	if val := os.Getenv("JOBHUB_PERMANENT_ATTESTATION_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_PERMANENT_ATTESTATION_TTL: %w", err)
		}
		cfg.PermanentAttestationTTL = d
	}

	if val := os.Getenv("JOBHUB_BRIDGE_QUEUE_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_BRIDGE_QUEUE_SIZE: %w", err)
		}
		cfg.BridgeSubscriberQueueSize = n
	}

	if val := os.Getenv("JOBHUB_RATE_LIMIT_RPM"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_RATE_LIMIT_RPM: %w", err)
		}
		cfg.RateLimitRequestsPerMinute = n
	}

	if val := os.Getenv("JOBHUB_WEBHOOK_WORKER_COUNT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_WEBHOOK_WORKER_COUNT: %w", err)
		}
		cfg.WebhookWorkerCount = n
	}

	if val := os.Getenv("JOBHUB_WEBHOOK_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_WEBHOOK_MAX_RETRIES: %w", err)
		}
		cfg.WebhookMaxRetries = n
	}

	if val := os.Getenv("JOBHUB_WEBHOOK_HTTP_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOBHUB_WEBHOOK_HTTP_TIMEOUT: %w", err)
		}
		cfg.WebhookHTTPTimeout = d
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that must hold regardless of how the config
// was constructed.
func (c APIConfig) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis url cannot be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr cannot be empty")
	}
	if c.RetryAttestationTTL <= 0 {
		return fmt.Errorf("retry attestation ttl must be non-zero")
	}
	if c.PermanentAttestationTTL <= 0 {
		return fmt.Errorf("permanent attestation ttl must be non-zero")
	}
	if c.BridgeSubscriberQueueSize < 1 {
		return fmt.Errorf("bridge subscriber queue size must be at least 1")
	}
	if c.WebhookWorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("webhook max retries cannot be negative")
	}
	if c.WebhookHTTPTimeout <= 0 {
		return fmt.Errorf("webhook http timeout must be non-zero")
	}
	return nil
}
