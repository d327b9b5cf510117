package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a config document without validating it. Merge layers
// first, validate the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Load reads and validates a single config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// LoadLayered discovers the config layers, merges every file that
// exists and validates the result. With no config file present the
// defaults are returned. The returned layer infos record what was
// found where; a layer that exists but cannot be parsed fails the
// load.
func LoadLayered(opts DiscoverOptions) (*Config, []ConfigLayerInfo, error) {
	layers := DiscoverPaths(opts)

	var parsed []*Config
	for i := range layers {
		data, err := os.ReadFile(layers[i].Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			layers[i].Err = err
			return nil, layers, fmt.Errorf("reading config %s: %w", layers[i].Path, err)
		}

		cfg, err := Parse(data)
		if err != nil {
			layers[i].Err = err
			return nil, layers, fmt.Errorf("config %s: %w", layers[i].Path, err)
		}
		layers[i].Loaded = true
		parsed = append(parsed, cfg)
	}

	if len(parsed) == 0 {
		return Default(), layers, nil
	}

	merged, err := MergeAll(parsed)
	if err != nil {
		return nil, layers, err
	}
	if errs := Validate(merged); len(errs) > 0 {
		return nil, layers, &ValidationError{Errors: errs}
	}
	return merged, layers, nil
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Config for semantic correctness.
// Returns a list of validation error messages (empty if valid).
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d — only version 1 is supported", cfg.Version))
	}

	if cfg.Offline && cfg.Repo == "" {
		errs = append(errs, "cannot use offline mode without repo mappings — set 'repo' or drop 'offline'")
	}

	for i, cred := range cfg.Credentials {
		if strings.TrimSpace(cred) == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d]: entry is empty", i))
		}
	}

	if (cfg.RHSM.Cert == "") != (cfg.RHSM.Key == "") {
		errs = append(errs, "rhsm certificate and key must be provided together")
	}

	if cfg.Limit < 0 {
		errs = append(errs, "limit: must not be negative")
	}

	for _, w := range []struct {
		name  string
		value int
	}{
		{"workers.request", cfg.Workers.Request},
		{"workers.process", cfg.Workers.Process},
		{"workers.community", cfg.Workers.Community},
	} {
		if w.value < 0 {
			errs = append(errs, fmt.Sprintf("%s: must not be negative", w.name))
		}
	}

	return errs
}
