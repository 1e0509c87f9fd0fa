package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "SERVER_PORT", "OUTBOX_MAX_ATTEMPTS", "REQUEST_TIMEOUT", "MINIO_USE_SSL", "OTEL_SAMPLER_RATIO"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	if cfg.DatabaseURL != "" {
		t.Errorf("expected empty DATABASE_URL, got %q", cfg.DatabaseURL)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.ServerPort)
	}
	if cfg.OutboxMaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.OutboxMaxAttempts)
	}
	if cfg.RequestTimeout != 20*time.Second {
		t.Errorf("expected 20s timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.OTelSampleRatio != 0.1 {
		t.Errorf("expected 0.1 sample ratio, got %v", cfg.OTelSampleRatio)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("CONNECTIVITY_PROBE_INTERVAL", "45")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	if cfg.ServerPort != "9090" {
		t.Errorf("port: got %q", cfg.ServerPort)
	}
	if cfg.OutboxMaxAttempts != 3 {
		t.Errorf("attempts: got %d", cfg.OutboxMaxAttempts)
	}
	if cfg.ConnectivityProbeInterval != 45*time.Second {
		t.Errorf("probe interval: got %s", cfg.ConnectivityProbeInterval)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("timeout: got %s", cfg.RequestTimeout)
	}
	if !cfg.MinioUseSSL {
		t.Error("expected MINIO_USE_SSL to parse as true")
	}
	if cfg.RedisDB != 0 {
		t.Errorf("bad REDIS_DB should fall back to 0, got %d", cfg.RedisDB)
	}
}
