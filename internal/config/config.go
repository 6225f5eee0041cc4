// Package config loads preview settings from an optional YAML file
// with sensible defaults for running bare.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = "127.0.0.1:7777"
	DefaultDebounceMS      = 200
	DefaultRewatchAttempts = 3
	DefaultRewatchBaseMS   = 200
	DefaultShutdownGraceMS = 2000
	DefaultWriteTimeoutMS  = 5000
	DefaultReadTimeoutMS   = 10000
)

// Config controls the preview server and watch pipeline.
type Config struct {
	// Addr is the listen address for the preview server.
	Addr string `yaml:"addr"`
	// DebounceMS is the quiet window after the last file event before
	// a render fires.
	DebounceMS int `yaml:"debounce_ms"`
	// RewatchAttempts bounds retries when the watched file vanishes.
	RewatchAttempts int `yaml:"rewatch_attempts"`
	// RewatchBaseMS is the initial rewatch delay, doubling per attempt.
	RewatchBaseMS int `yaml:"rewatch_base_ms"`
	// ShutdownGraceMS caps how long shutdown waits for HTTP to drain.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
	// WriteTimeoutMS bounds each push to a viewer. A viewer that stops
	// reading fails its write within this window and is dropped instead
	// of stalling delivery to everyone else.
	WriteTimeoutMS int `yaml:"write_timeout_ms"`
	// ReadTimeoutMS bounds reading HTTP request headers.
	ReadTimeoutMS int `yaml:"read_timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:            DefaultAddr,
		DebounceMS:      DefaultDebounceMS,
		RewatchAttempts: DefaultRewatchAttempts,
		RewatchBaseMS:   DefaultRewatchBaseMS,
		ShutdownGraceMS: DefaultShutdownGraceMS,
		WriteTimeoutMS:  DefaultWriteTimeoutMS,
		ReadTimeoutMS:   DefaultReadTimeoutMS,
	}
}

// Load reads a YAML config file, filling unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.DebounceMS <= 0 {
		return fmt.Errorf("config: debounce_ms must be positive, got %d", c.DebounceMS)
	}
	if c.RewatchAttempts < 0 {
		return fmt.Errorf("config: rewatch_attempts must not be negative, got %d", c.RewatchAttempts)
	}
	if c.RewatchBaseMS <= 0 {
		return fmt.Errorf("config: rewatch_base_ms must be positive, got %d", c.RewatchBaseMS)
	}
	if c.ShutdownGraceMS <= 0 {
		return fmt.Errorf("config: shutdown_grace_ms must be positive, got %d", c.ShutdownGraceMS)
	}
	if c.WriteTimeoutMS <= 0 {
		return fmt.Errorf("config: write_timeout_ms must be positive, got %d", c.WriteTimeoutMS)
	}
	if c.ReadTimeoutMS <= 0 {
		return fmt.Errorf("config: read_timeout_ms must be positive, got %d", c.ReadTimeoutMS)
	}
	return nil
}

func (c Config) Debounce() time.Duration { return time.Duration(c.DebounceMS) * time.Millisecond }

func (c Config) RewatchBase() time.Duration {
	return time.Duration(c.RewatchBaseMS) * time.Millisecond
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}
