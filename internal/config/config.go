// Package config provides configuration loading for kcovd.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variable overrides applied via `env` struct
// tags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root kcovd configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Surface SurfaceConfig `yaml:"surface"`
	Target  TargetConfig  `yaml:"target"`
	Watch   WatchConfig   `yaml:"watch"`
	Queue   QueueConfig   `yaml:"queue"`
}

// LogConfig controls the agent logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"KCOV_LOG_LEVEL"`
	// Pretty enables human-readable console output.
	Pretty bool `yaml:"pretty" env:"KCOV_LOG_PRETTY"`
}

// SurfaceConfig controls the control/show endpoint root.
type SurfaceConfig struct {
	// Root is the directory under which the control and show sockets
	// are created.
	Root string `yaml:"root" env:"KCOV_SURFACE_ROOT"`
}

// TargetConfig identifies the instrumented process.
type TargetConfig struct {
	// PID of the process whose loadable units are watched. 0 disables
	// the unit watcher.
	PID int32 `yaml:"pid" env:"KCOV_TARGET_PID"`
	// BinaryPath is the executable probes are attached to.
	BinaryPath string `yaml:"binary_path" env:"KCOV_TARGET_BINARY"`
	// ProgramPin and EventsPin are bpffs pin paths for the probe
	// program and its event ring buffer.
	ProgramPin string `yaml:"program_pin" env:"KCOV_BPF_PROGRAM_PIN"`
	EventsPin  string `yaml:"events_pin" env:"KCOV_BPF_EVENTS_PIN"`
}

// WatchConfig controls the loadable-unit watcher.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval" env:"KCOV_WATCH_INTERVAL"`
}

// QueueConfig controls the deferred-work queue.
type QueueConfig struct {
	Workers int `yaml:"workers" env:"KCOV_QUEUE_WORKERS"`
	Depth   int `yaml:"depth" env:"KCOV_QUEUE_DEPTH"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Surface: SurfaceConfig{
			Root: "/run/kcov",
		},
		Watch: WatchConfig{
			Interval: time.Second,
		},
		Queue: QueueConfig{
			Workers: 2,
			Depth:   256,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. An empty path skips the file layer; a missing
// file at a non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path.
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := LoadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Surface.Root == "" {
		return fmt.Errorf("surface root must not be empty")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.Depth < 1 {
		return fmt.Errorf("queue depth must be at least 1, got %d", c.Queue.Depth)
	}
	if c.Target.PID != 0 && c.Watch.Interval <= 0 {
		return fmt.Errorf("watch interval must be positive when a target pid is set")
	}
	return nil
}
