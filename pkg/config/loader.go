package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ErrInvalidYAML is returned when the configuration file cannot be parsed.
var ErrInvalidYAML = errors.New("invalid YAML")

// Initialize loads, merges, and validates the configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Overlay forgeline.yaml when the file exists (missing file is fine)
//  3. Expand {{.VAR}} environment references in the file
//  4. Apply environment variable overrides
//  5. Validate
func Initialize(path string) (*Config, error) {
	log := slog.With("config_file", path)

	cfg := Default()

	overlay, found, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if found {
		// Overlay wins over defaults; unset overlay fields keep the default.
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		log.Info("Configuration file loaded")
	} else {
		log.Info("No configuration file, using defaults")
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile reads and parses the YAML file. A missing file is not an error;
// found reports whether anything was read.
func loadFile(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, true, nil
}

// applyEnvOverrides applies the environment switches that operators set
// without touching the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupBool("AUTO_DISPATCH"); ok {
		cfg.Dispatch.AutoDispatch = v
	}
	if v, ok := lookupInt("MAX_STEP_RETRIES"); ok && v >= 0 {
		cfg.Dispatch.MaxStepRetries = v
	}
	if v, ok := lookupInt("MAX_REVIEW_CYCLES"); ok && v >= 0 {
		cfg.Dispatch.MaxReviewCycles = v
	}
	if v := os.Getenv("WORKER_MODE"); v != "" {
		cfg.Worker.Mode = WorkerMode(v)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
}

func lookupBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Ignoring invalid boolean environment override", "key", key, "value", raw)
		return false, false
	}
	return v, true
}

func lookupInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment override", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}
