// Package config holds all configuration types and loading logic for the
// poissonq demo binaries. The library packages under pkg/ take plain
// parameters; config files exist only at the application boundary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a poissonq process.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Timer      TimerConfig      `yaml:"timer"`
	Categories []CategoryConfig `yaml:"categories"`
	Drain      DrainConfig      `yaml:"drain"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SchedulerConfig holds the worker and sampling settings.
type SchedulerConfig struct {
	// Threads is the number of scheduler workers. More workers make short
	// delays more accurate at high total rates.
	Threads int `yaml:"threads"`

	// Seed fixes the PRNG seed; 0 means seed from the current time.
	Seed int64 `yaml:"seed"`

	// Scale is the global speed multiplier applied to all categories.
	Scale float64 `yaml:"scale"`
}

// TimerConfig tunes the per-worker precise timer. Values are duration
// strings ("10ms", "100µs", "0s").
type TimerConfig struct {
	// CancelGranularity is how often a sleeping worker re-checks for stop
	// requests.
	CancelGranularity string `yaml:"cancel_granularity"`

	// MinSleepSize is the threshold below which the remaining sleep is
	// spun out on the CPU. Keep it well under CancelGranularity; 0
	// disables the spin.
	MinSleepSize string `yaml:"min_sleep_size"`
}

// CategoryConfig declares one category for the print demo.
type CategoryConfig struct {
	Label  string  `yaml:"label"`
	Lambda float64 `yaml:"lambda"`
}

// DrainConfig controls the drain demo's shared input and processors.
type DrainConfig struct {
	// Items is how many integers to seed into the shared input.
	Items int `yaml:"items"`

	// Capacity bounds each processor's inner queue (queued + in-flight).
	Capacity int `yaml:"capacity"`

	// FailOn makes the processor reject this item value, turning it into
	// a zombie; -1 disables the failure.
	FailOn int `yaml:"fail_on"`

	// ProcessRate caps how many items per second a processor actually
	// handles once an item reaches it; 0 means unlimited.
	ProcessRate float64 `yaml:"process_rate"`

	// CleanupLambda is the rate of the zombie-cleanup action.
	CleanupLambda float64 `yaml:"cleanup_lambda"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Threads: 1,
			Seed:    0,
			Scale:   1.0,
		},
		Timer: TimerConfig{
			CancelGranularity: "10ms",
			MinSleepSize:      "0s",
		},
		Categories: []CategoryConfig{},
		Drain: DrainConfig{
			Items:         100,
			Capacity:      4,
			FailOn:        -1,
			ProcessRate:   0,
			CleanupLambda: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). If the file does not exist the default config is returned
// without error, so the demos run with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	POISSONQ_THREADS       — sets scheduler.threads
//	POISSONQ_SEED          — sets scheduler.seed
//	POISSONQ_METRICS_PORT  — sets metrics.port and enables the endpoint
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("POISSONQ_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Threads = n
		}
	}
	if v := os.Getenv("POISSONQ_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Scheduler.Seed = n
		}
	}
	if v := os.Getenv("POISSONQ_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Metrics.Port = n
			cfg.Metrics.Enabled = true
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Scheduler.Threads < 1 {
		return fmt.Errorf("scheduler.threads must be ≥ 1, got %d", c.Scheduler.Threads)
	}
	if c.Scheduler.Scale <= 0 {
		return fmt.Errorf("scheduler.scale must be positive, got %v", c.Scheduler.Scale)
	}

	granularity, err := c.CancelGranularity()
	if err != nil {
		return fmt.Errorf("timer.cancel_granularity: %w", err)
	}
	minSleep, err := c.MinSleepSize()
	if err != nil {
		return fmt.Errorf("timer.min_sleep_size: %w", err)
	}
	if granularity < 0 || minSleep < 0 {
		return errors.New("timer durations must not be negative")
	}
	if minSleep > 0 && minSleep >= granularity {
		return fmt.Errorf("timer.min_sleep_size (%v) must be smaller than cancel_granularity (%v)",
			minSleep, granularity)
	}

	for i, cat := range c.Categories {
		if cat.Label == "" {
			return fmt.Errorf("categories[%d]: label must not be empty", i)
		}
		if cat.Lambda <= 0 {
			return fmt.Errorf("categories[%d] (%s): lambda must be positive, got %v",
				i, cat.Label, cat.Lambda)
		}
	}

	if c.Drain.Items < 0 {
		return fmt.Errorf("drain.items must not be negative, got %d", c.Drain.Items)
	}
	if c.Drain.Capacity < 1 {
		return fmt.Errorf("drain.capacity must be ≥ 1, got %d", c.Drain.Capacity)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// CancelGranularity parses the timer cancel granularity.
func (c *Config) CancelGranularity() (time.Duration, error) {
	return time.ParseDuration(c.Timer.CancelGranularity)
}

// MinSleepSize parses the timer spin threshold.
func (c *Config) MinSleepSize() (time.Duration, error) {
	return time.ParseDuration(c.Timer.MinSleepSize)
}
