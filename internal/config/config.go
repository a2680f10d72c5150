package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	MoveServiceURL string `yaml:"move_service_url"`

	MoveTimeoutSec int `yaml:"move_timeout_sec"`
	MoveRetryMax   int `yaml:"move_retry_max"`

	MaxConcurrentMatches int `yaml:"max_concurrent_matches"`
}

// Load reads the optional YAML file named by ARENA_CONFIG, then applies
// environment overrides, then validates. Environment always wins so
// deployments can patch a shared file per instance.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:           ":8090",
		MoveTimeoutSec:       10,
		MoveRetryMax:         3,
		MaxConcurrentMatches: 200,
	}

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MOVE_SERVICE_URL")); v != "" {
		cfg.MoveServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MOVE_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MoveTimeoutSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MOVE_RETRY_MAX")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MoveRetryMax = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_MATCHES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentMatches = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MoveServiceURL == "" {
		return nil, errors.New("MOVE_SERVICE_URL is required")
	}
	// DatabaseURL is optional: without it the server runs with archiving
	// disabled.

	return cfg, nil
}
