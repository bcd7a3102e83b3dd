package config

import "testing"

func TestLoadAPIConfigFromEnvRequiresRedisURL(t *testing.T) {
	t.Setenv("JOBHUB_REDIS_URL", "")
	if _, err := LoadAPIConfigFromEnv(); err == nil {
		t.Fatalf("expected error when JOBHUB_REDIS_URL is missing")
	}
}

func TestLoadAPIConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("JOBHUB_REDIS_URL", "redis://localhost:6379")
	cfg, err := LoadAPIConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.BridgeSubscriberQueueSize != 256 {
		t.Fatalf("expected default bridge queue size 256, got %d", cfg.BridgeSubscriberQueueSize)
	}
}

func TestAPIConfigValidateRejectsZeroTTL(t *testing.T) {
	cfg := DefaultAPIConfig()
	cfg.RedisURL = "redis://localhost:6379"
	cfg.RetryAttestationTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero retry ttl")
	}
}
