// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the dagrunner configuration file.
//
// Values come from three layers, later ones winning: built-in defaults,
// the YAML file, and DAGRUNNER_* environment variables. The merged result
// is validated with struct tags before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dagrunner/pkg/logging"
	"github.com/AleutianAI/dagrunner/services/runner/store"
	"github.com/AleutianAI/dagrunner/services/runner/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAGRUNNER_"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full dagrunner configuration.
type Config struct {
	// Workers bounds concurrently running tasks.
	Workers int `yaml:"workers" validate:"gte=1,lte=1024"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     store.Config     `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Logging   logging.Config   `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// RateLimit is the sustained request rate per second. 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the largest burst admitted at once.
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`

	// MaxUploadBytes bounds POST /v1/runs bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Workers:   4,
		Telemetry: telemetry.DefaultConfig(),
		Store:     store.DefaultConfig(filepath.Join(home, ".dagrunner", "runs")),
		Server: ServerConfig{
			Addr:            "127.0.0.1:8089",
			RateLimit:       50,
			RateBurst:       100,
			MaxUploadBytes:  32 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.Config{Level: logging.LevelInfo, Format: logging.FormatAuto, Service: "dagrunner"},
	}
}

// DefaultPath returns ~/.dagrunner/dagrunner.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".dagrunner", "dagrunner.yaml"), nil
}

// Load reads the configuration at path.
//
// Description:
//
//	A missing file is not an error: defaults are used. Environment
//	overrides are applied after the file is read.
//
// Inputs:
//
//	path - YAML file. Empty means DefaultPath().
//
// Outputs:
//
//	Config - The merged and validated configuration.
//	error - Read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks struct tags across every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required unless store.in_memory is set", ErrInvalid)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays DAGRUNNER_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.int("WORKERS", &c.Workers)
	env.string("SERVICE_NAME", &c.Telemetry.ServiceName)
	env.string("TRACE_EXPORTER", &c.Telemetry.TraceExporter)
	env.string("METRIC_EXPORTER", &c.Telemetry.MetricExporter)
	env.string("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	env.string("STORE_PATH", &c.Store.Path)
	env.bool("STORE_IN_MEMORY", &c.Store.InMemory)
	env.duration("STORE_RETENTION", &c.Store.Retention)
	env.string("ADDR", &c.Server.Addr)
	env.float("RATE_LIMIT", &c.Server.RateLimit)
	env.string("LOG_FORMAT", &c.Logging.Format)
	env.string("LOG_DIR", &c.Logging.LogDir)
	if v, ok := env.lookup(EnvPrefix + "LOG_LEVEL"); ok {
		if err := c.Logging.Level.UnmarshalText([]byte(v)); err != nil {
			env.fail("LOG_LEVEL", err)
		}
	}
	return env.err
}

// envReader parses overrides and keeps the first failure.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, key, err)
	}
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(EnvPrefix + key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
