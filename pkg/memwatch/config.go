package memwatch

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/memwatch/pkg/blobstore"
)

// Mode selects the change-detection mechanism.
type Mode string

// Detection modes. Auto probes for fault support and falls back to
// polling.
const (
	ModeAuto    Mode = "auto"
	ModeFault   Mode = "fault"
	ModePolling Mode = "polling"
)

// Configuration defaults.
const (
	DefaultRingCapacity    = 65536
	DefaultWindowNS        = 50_000
	DefaultPollIntervalMS  = 100
	DefaultInlineThreshold = 4096
	DefaultPreviewBytes    = 256
	DefaultDrainTimeoutMS  = 1000
)

// EnvPrefix is prepended to the env var name of every config field.
const EnvPrefix = "MEMWATCH_"

// Config holds all engine options. The zero value means "defaults";
// Init fills unset fields.
type Config struct {
	// RingCapacity is the fault-record ring size; must be a power of two.
	RingCapacity int `env:"RING_CAPACITY"  json:"ring_capacity"`
	// WindowNS is the minimum writable-window duration in nanoseconds,
	// up to 10ms; rapid stores within it coalesce into one event.
	WindowNS int64 `env:"WINDOW_NS"       json:"window_ns"`
	// PollIntervalMS is the sweep interval of the polling detector.
	PollIntervalMS int `env:"POLL_INTERVAL_MS" json:"poll_interval_ms"`
	// InlineThresholdBytes bounds values embedded directly in events;
	// larger values go to the value store.
	InlineThresholdBytes int `env:"INLINE_THRESHOLD_BYTES" json:"inline_threshold_bytes"`
	// DefaultPreviewBytes bounds old/new previews.
	DefaultPreviewBytes int `env:"DEFAULT_PREVIEW_BYTES" json:"default_preview_bytes"`
	// MaxMemoryBytes caps snapshot memory; 0 means unlimited.
	MaxMemoryBytes int64 `env:"MAX_MEMORY_BYTES" json:"max_memory_bytes"`
	// MaxTrackedPages caps live page slots; 0 means unlimited.
	MaxTrackedPages int `env:"MAX_TRACKED_PAGES" json:"max_tracked_pages"`
	// Mode selects fault-based or polling detection.
	Mode Mode `env:"MODE" json:"mode"`
	// NoMprotect forces polling mode regardless of Mode; equivalent to
	// MEMWATCH_NO_MPROTECT=1.
	NoMprotect bool `env:"NO_MPROTECT" json:"no_mprotect"`
	// DrainTimeoutMS bounds how long Shutdown waits for in-flight
	// events.
	DrainTimeoutMS int `env:"DRAIN_TIMEOUT_MS" json:"drain_timeout_ms"`

	// Store persists values exceeding the inline threshold. Optional;
	// without it oversized values are dropped and only previews emitted.
	Store blobstore.Store `env:"-" json:"-"`
	// Logger is the diagnostic sink. Defaults to a no-op logger.
	Logger *zap.Logger `env:"-" json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RingCapacity:         DefaultRingCapacity,
		WindowNS:             DefaultWindowNS,
		PollIntervalMS:       DefaultPollIntervalMS,
		InlineThresholdBytes: DefaultInlineThreshold,
		DefaultPreviewBytes:  DefaultPreviewBytes,
		Mode:                 ModeAuto,
		DrainTimeoutMS:       DefaultDrainTimeoutMS,
	}
}

// LoadConfigFile reads a JSONC config file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	// Standardize JSONC to JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: config %s: invalid JSONC: %v", ErrInvalidInput, path, err)
	}

	cfg := DefaultConfig()

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, fmt.Errorf("%w: config %s: %v", ErrInvalidInput, path, unmarshalErr)
	}

	return cfg, nil
}

// ApplyEnv overlays MEMWATCH_* variables from the process environment
// onto cfg.
func ApplyEnv(cfg Config) (Config, error) {
	return ApplyEnviron(cfg, env.ToMap(os.Environ()))
}

// ApplyEnviron overlays MEMWATCH_* variables from an explicit
// environment map onto cfg.
func ApplyEnviron(cfg Config, environ map[string]string) (Config, error) {
	err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
	if err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalidInput, err)
	}

	return cfg, nil
}

// PollInterval returns the sweep interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.RingCapacity == 0 {
		c.RingCapacity = def.RingCapacity
	}

	if c.WindowNS == 0 {
		c.WindowNS = def.WindowNS
	}

	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = def.PollIntervalMS
	}

	if c.InlineThresholdBytes == 0 {
		c.InlineThresholdBytes = def.InlineThresholdBytes
	}

	if c.DefaultPreviewBytes == 0 {
		c.DefaultPreviewBytes = def.DefaultPreviewBytes
	}

	if c.Mode == "" {
		c.Mode = def.Mode
	}

	if c.DrainTimeoutMS == 0 {
		c.DrainTimeoutMS = def.DrainTimeoutMS
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return c
}

func validateConfig(c Config) error {
	if c.RingCapacity < 2 || bits.OnesCount(uint(c.RingCapacity)) != 1 {
		return fmt.Errorf("%w: ring_capacity must be a power of two >= 2, got %d", ErrInvalidInput, c.RingCapacity)
	}

	if c.WindowNS < 0 {
		return fmt.Errorf("%w: window_ns must be >= 0, got %d", ErrInvalidInput, c.WindowNS)
	}

	if c.PollIntervalMS < 1 {
		return fmt.Errorf("%w: poll_interval_ms must be >= 1, got %d", ErrInvalidInput, c.PollIntervalMS)
	}

	if c.InlineThresholdBytes < 0 {
		return fmt.Errorf("%w: inline_threshold_bytes must be >= 0, got %d", ErrInvalidInput, c.InlineThresholdBytes)
	}

	if c.DefaultPreviewBytes < 1 {
		return fmt.Errorf("%w: default_preview_bytes must be >= 1, got %d", ErrInvalidInput, c.DefaultPreviewBytes)
	}

	switch c.Mode {
	case ModeAuto, ModeFault, ModePolling:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, c.Mode)
	}

	return nil
}
