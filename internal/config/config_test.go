// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("DISPATCHER_WORKER_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatcher.WorkerCount != 16 {
		t.Fatalf("expected default worker count 16, got %d", cfg.Dispatcher.WorkerCount)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Postgres.DSN == "" {
		t.Fatalf("expected default postgres dsn")
	}
	if len(cfg.Dispatcher.Caps) != 3 {
		t.Fatalf("expected 3 default marketplace caps, got %d", len(cfg.Dispatcher.Caps))
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatcher.WorkerCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for dispatcher.worker_count < 1")
	}

	cfg = defaultConfig()
	cfg.Dispatcher.Backoff.Max = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for backoff.max < backoff.base")
	}

	cfg = defaultConfig()
	cfg.Dispatcher.Caps = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty dispatcher.caps")
	}

	cfg = defaultConfig()
	cfg.Bridge.QueueCap = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for bridge.queue_cap < 1")
	}

	cfg = defaultConfig()
	cfg.Facade.RateLimitPerSec = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for facade.rate_limit_per_sec <= 0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for out-of-range metrics_port")
	}
}
