package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresRedisAndMoveService(t *testing.T) {
	t.Setenv("ARENA_CONFIG", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MOVE_SERVICE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without MOVE_SERVICE_URL")
	}

	t.Setenv("MOVE_SERVICE_URL", "http://localhost:9000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8090" || cfg.MoveTimeoutSec != 10 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.yaml")
	body := []byte("listen_addr: \":7000\"\nredis_url: redis://file:6379/0\nmove_service_url: http://file:9000\nmove_retry_max: 5\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ARENA_CONFIG", path)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("MOVE_SERVICE_URL", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("env should override file: %q", cfg.RedisURL)
	}
	if cfg.ListenAddr != ":7000" || cfg.MoveServiceURL != "http://file:9000" || cfg.MoveRetryMax != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}
