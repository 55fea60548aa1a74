package memwatch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.RingCapacity != 65536 {
		t.Errorf("ring capacity default: got %d", cfg.RingCapacity)
	}

	if cfg.WindowNS != 50_000 {
		t.Errorf("window default: got %d", cfg.WindowNS)
	}

	if cfg.PollIntervalMS != 100 {
		t.Errorf("poll interval default: got %d", cfg.PollIntervalMS)
	}

	if cfg.InlineThresholdBytes != 4096 {
		t.Errorf("inline threshold default: got %d", cfg.InlineThresholdBytes)
	}

	if cfg.DefaultPreviewBytes != 256 {
		t.Errorf("preview default: got %d", cfg.DefaultPreviewBytes)
	}

	if cfg.Mode != ModeAuto {
		t.Errorf("mode default: got %q", cfg.Mode)
	}

	if err := validateConfig(cfg.withDefaults()); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ring not power of two", func(c *Config) { c.RingCapacity = 1000 }},
		{"ring too small", func(c *Config) { c.RingCapacity = 1 }},
		{"negative window", func(c *Config) { c.WindowNS = -1 }},
		{"negative poll interval", func(c *Config) { c.PollIntervalMS = -5 }},
		{"negative threshold", func(c *Config) { c.InlineThresholdBytes = -1 }},
		{"negative preview", func(c *Config) { c.DefaultPreviewBytes = -3 }},
		{"unknown mode", func(c *Config) { c.Mode = "hardware" }},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)

		err := validateConfig(cfg)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestLoadConfigFileJSONC(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memwatch.json")

	content := `{
	// Tracking tuned for tests.
	"ring_capacity": 1024,
	"poll_interval_ms": 10,
	"mode": "polling", // trailing comment
}`

	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, loadErr := LoadConfigFile(path)
	if loadErr != nil {
		t.Fatalf("LoadConfigFile: %v", loadErr)
	}

	want := DefaultConfig()
	want.RingCapacity = 1024
	want.PollIntervalMS = 10
	want.Mode = ModePolling

	if diff := cmp.Diff(want, cfg, cmpopts.IgnoreFields(Config{}, "Store", "Logger")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Error("missing file must error")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")

	writeErr := os.WriteFile(bad, []byte("{not json at all"), 0o644)
	if writeErr != nil {
		t.Fatalf("write config: %v", writeErr)
	}

	_, err = LoadConfigFile(bad)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MEMWATCH_RING_CAPACITY", "2048")
	t.Setenv("MEMWATCH_MODE", "polling")
	t.Setenv("MEMWATCH_NO_MPROTECT", "true")

	cfg, err := ApplyEnv(DefaultConfig())
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.RingCapacity != 2048 {
		t.Errorf("ring capacity: got %d", cfg.RingCapacity)
	}

	if cfg.Mode != ModePolling {
		t.Errorf("mode: got %q", cfg.Mode)
	}

	if !cfg.NoMprotect {
		t.Error("NO_MPROTECT not applied")
	}
}

func TestCaptureBytes(t *testing.T) {
	t.Parallel()

	if CaptureBytes(128) != CaptureMode(128) {
		t.Error("CaptureBytes must pass the budget through")
	}

	if CaptureNone != 0 || CaptureFull != -1 {
		t.Error("capture mode constants drifted")
	}
}
