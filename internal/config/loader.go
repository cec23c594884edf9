package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML runtime configuration file at path and returns a
// validated, defaulted [RuntimeConfig]. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*RuntimeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it, and fills in
// zero-valued fields with [Defaults]. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. Zero-valued numeric
// fields are considered "use the default" and are not flagged.
func Validate(cfg *RuntimeConfig) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Pool.MinConnections > 0 && cfg.Pool.MaxConnections > 0 && cfg.Pool.MinConnections > cfg.Pool.MaxConnections {
		errs = append(errs, fmt.Errorf("pool.min_connections (%d) exceeds pool.max_connections (%d)", cfg.Pool.MinConnections, cfg.Pool.MaxConnections))
	}

	if cfg.Queue.MinWorkers > 0 && cfg.Queue.MaxWorkers > 0 && cfg.Queue.MinWorkers > cfg.Queue.MaxWorkers {
		errs = append(errs, fmt.Errorf("queue.min_workers (%d) exceeds queue.max_workers (%d)", cfg.Queue.MinWorkers, cfg.Queue.MaxWorkers))
	}

	if cfg.Retry.JitterFraction < 0 || cfg.Retry.JitterFraction > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter_fraction %.2f is out of range [0, 1]", cfg.Retry.JitterFraction))
	}

	return errors.Join(errs...)
}
