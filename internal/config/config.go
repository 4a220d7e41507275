// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the engine's runtime settings by layering, in order,
// compiled-in defaults, an optional YAML file, and environment variables.
// Later layers win. A missing config file is not an error; an invalid value
// at any layer is, and is reported without partial application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/frolic/jazz/internal/logging"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location when set.
const EnvConfigPath = "COVALUE_CONFIG_PATH"

// Config holds every tunable named in the engine's configuration surface.
type Config struct {
	// LoadDeadlineMs is the per-peer load timeout, in milliseconds.
	LoadDeadlineMs int `yaml:"loadDeadlineMs"`
	// OutboundQueueHighWater is the per-peer outbound queue capacity.
	OutboundQueueHighWater int `yaml:"outboundQueueHighWater"`
	// MaxInFlightLoads bounds SyncManager's concurrent load attempts.
	MaxInFlightLoads int `yaml:"maxInFlightLoads"`
	// VerifySignatures disables signature checks when false; for testing
	// only, never set false in production.
	VerifySignatures bool `yaml:"verifySignatures"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`
	// MetricsAddr is the bind address for the metrics/health HTTP server.
	MetricsAddr string `yaml:"metricsAddr"`
}

// LoadDeadline returns LoadDeadlineMs as a time.Duration.
func (c Config) LoadDeadline() time.Duration {
	return time.Duration(c.LoadDeadlineMs) * time.Millisecond
}

// Level parses LogLevel, defaulting to logging.LevelInfo for an empty or
// unrecognized value.
func (c Config) Level() logging.Level {
	return logging.ParseLevel(c.LogLevel)
}

// Default returns the engine's compiled-in configuration.
func Default() Config {
	return Config{
		LoadDeadlineMs:         30000,
		OutboundQueueHighWater: 1024,
		MaxInFlightLoads:       100,
		VerifySignatures:       true,
		LogLevel:               "info",
		MetricsAddr:            ":9099",
	}
}

// Load composes Default, an optional YAML file, and environment variables,
// in that order, and validates the result. path is the YAML file location;
// an empty path uses $COVALUE_CONFIG_PATH if set, otherwise
// ~/.covalue/config.yaml. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", resolved, err)
		}
	case os.IsNotExist(err):
		// No file on disk is the common case; defaults (plus env) stand.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", resolved, err)
	}

	overlaid, err := overlayEnv(cfg)
	if err != nil {
		return Config{}, err
	}

	if err := validate(overlaid); err != nil {
		return Config{}, err
	}
	return overlaid, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: locate home directory: %w", err)
	}
	return filepath.Join(home, ".covalue", "config.yaml"), nil
}

// WriteDefault writes the default configuration to path as YAML, creating
// its parent directory if needed. Used by callers that want a config file
// to exist on disk (e.g. a CLI's first-run path) without implicitly
// creating one on every Load.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

type envVar struct {
	name  string
	apply func(cfg *Config, raw string) error
}

var envVars = []envVar{
	{"COVALUE_LOAD_DEADLINE_MS", func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q: %w", raw, err)
		}
		cfg.LoadDeadlineMs = v
		return nil
	}},
	{"COVALUE_OUTBOUND_QUEUE_HIGH_WATER", func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q: %w", raw, err)
		}
		cfg.OutboundQueueHighWater = v
		return nil
	}},
	{"COVALUE_MAX_INFLIGHT_LOADS", func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q: %w", raw, err)
		}
		cfg.MaxInFlightLoads = v
		return nil
	}},
	{"COVALUE_VERIFY_SIGNATURES", func(cfg *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("must be a boolean, got %q: %w", raw, err)
		}
		cfg.VerifySignatures = v
		return nil
	}},
	{"COVALUE_LOG_LEVEL", func(cfg *Config, raw string) error {
		cfg.LogLevel = raw
		return nil
	}},
}

func overlayEnv(cfg Config) (Config, error) {
	for _, v := range envVars {
		raw, ok := os.LookupEnv(v.name)
		if !ok || raw == "" {
			continue
		}
		if err := v.apply(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", v.name, err)
		}
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.LoadDeadlineMs <= 0 {
		return fmt.Errorf("config: loadDeadlineMs must be positive, got %d", cfg.LoadDeadlineMs)
	}
	if cfg.OutboundQueueHighWater <= 0 {
		return fmt.Errorf("config: outboundQueueHighWater must be positive, got %d", cfg.OutboundQueueHighWater)
	}
	if cfg.MaxInFlightLoads <= 0 {
		return fmt.Errorf("config: maxInFlightLoads must be positive, got %d", cfg.MaxInFlightLoads)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logLevel must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.MetricsAddr == "" {
		return fmt.Errorf("config: metricsAddr must not be empty")
	}
	return nil
}
