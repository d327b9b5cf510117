package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
version: 1
source: staged:/mnt/staged
policy_url: https://policy.example.com
credentials:
  - /etc/cloudpush/creds.yaml
skip:
  - publish-images
rhsm:
  url: https://rhsm.example.com
  cert: /etc/pki/consumer/cert.pem
  key: /etc/pki/consumer/key.pem
workers:
  request: 8
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source != "staged:/mnt/staged" {
		t.Errorf("Source = %q", cfg.Source)
	}
	if cfg.PolicyURL != "https://policy.example.com" {
		t.Errorf("PolicyURL = %q", cfg.PolicyURL)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0] != "/etc/cloudpush/creds.yaml" {
		t.Errorf("Credentials = %v", cfg.Credentials)
	}
	if cfg.RHSM.URL != "https://rhsm.example.com" {
		t.Errorf("RHSM.URL = %q", cfg.RHSM.URL)
	}
	if cfg.Workers.Request != 8 {
		t.Errorf("Workers.Request = %d", cfg.Workers.Request)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "version: [not an int\n"))
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Version:     2,
		Offline:     true,
		Credentials: []string{" "},
		RHSM:        RHSMConfig{Cert: "/etc/pki/consumer/cert.pem"},
		Limit:       -1,
		Workers:     WorkerConfig{Process: -1},
	}

	errs := Validate(cfg)
	if len(errs) != 6 {
		t.Fatalf("got %d errors, want 6: %v", len(errs), errs)
	}

	for i, want := range []string{
		"unsupported version 2",
		"cannot use offline mode without repo mappings",
		"credentials[0]: entry is empty",
		"rhsm certificate and key must be provided together",
		"limit: must not be negative",
		"workers.process: must not be negative",
	} {
		if !strings.Contains(errs[i], want) {
			t.Errorf("errs[%d] = %q, want it to mention %q", i, errs[i], want)
		}
	}
}

func TestValidationErrorFormat(t *testing.T) {
	err := &ValidationError{Errors: []string{"first problem", "second problem"}}
	msg := err.Error()
	if !strings.Contains(msg, "config validation failed:") {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(msg, "  - first problem\n  - second problem") {
		t.Errorf("message = %q", msg)
	}
}

func TestLoadLayered(t *testing.T) {
	system := writeConfig(t, "version: 1\npolicy_url: https://policy.example.com\n")
	user := writeConfig(t, "version: 1\ncredentials:\n  - /home/u/creds.yaml\n")
	run := writeConfig(t, "version: 1\nsource: staged:/mnt/staged\n")

	cfg, layers, err := LoadLayered(DiscoverOptions{
		SystemConfigPath: system,
		UserConfigPath:   user,
		RunPath:          run,
	})
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}

	if cfg.PolicyURL != "https://policy.example.com" || cfg.Source != "staged:/mnt/staged" {
		t.Errorf("merged config = %+v", cfg)
	}
	if len(layers) != 3 {
		t.Fatalf("got %d layers, want 3", len(layers))
	}
	for _, layer := range layers {
		if !layer.Loaded {
			t.Errorf("layer %s (%s) not loaded", layer.Path, layer.Level)
		}
	}
}

func TestLoadLayeredMissingFilesAreSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	run := writeConfig(t, "version: 1\nsource: staged:/mnt/staged\n")

	cfg, layers, err := LoadLayered(DiscoverOptions{
		SystemConfigPath: missing,
		UserConfigPath:   missing,
		RunPath:          run,
	})
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}
	if cfg.Source != "staged:/mnt/staged" {
		t.Errorf("Source = %q", cfg.Source)
	}
	// The two identical missing paths dedup to one skipped layer.
	if len(layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(layers))
	}
	if layers[0].Loaded {
		t.Error("missing layer reported as loaded")
	}
}

func TestLoadLayeredNoFilesReturnsDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, _, err := LoadLayered(DiscoverOptions{
		SystemConfigPath: missing,
		UserConfigPath:   missing,
	})
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("default Version = %d", cfg.Version)
	}
}

func TestLoadLayeredBrokenLayerFails(t *testing.T) {
	broken := writeConfig(t, "version: [oops\n")

	_, layers, err := LoadLayered(DiscoverOptions{
		SystemConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
		UserConfigPath:   filepath.Join(t.TempDir(), "absent.yaml"),
		RunPath:          broken,
	})
	if err == nil {
		t.Fatal("expected an error for a broken layer")
	}
	var found bool
	for _, layer := range layers {
		if layer.Err != nil {
			found = true
		}
	}
	if !found {
		t.Error("no layer recorded the parse failure")
	}
}

func TestLoadLayeredValidatesMerged(t *testing.T) {
	run := writeConfig(t, "version: 1\noffline: true\n")

	_, _, err := LoadLayered(DiscoverOptions{
		SystemConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
		UserConfigPath:   filepath.Join(t.TempDir(), "absent.yaml"),
		RunPath:          run,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want a ValidationError", err)
	}
	if !strings.Contains(verr.Error(), "offline mode without repo mappings") {
		t.Errorf("error = %v", verr)
	}
}
