// Package config loads the proxy's TOML configuration: how to launch each
// backend, queue capacities, and timeouts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration.
type Config struct {
	// Backends configures the subprocesses, keyed by backend name. The
	// proxy expects "code" and "markup".
	Backends map[string]Backend `toml:"backends"`

	Pump     Pump     `toml:"pump"`
	Timeouts Timeouts `toml:"timeouts"`
}

// Backend describes one backend subprocess launch.
type Backend struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	WorkDir string            `toml:"workdir"`
	Env     map[string]string `toml:"env"`

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions map[string]any `toml:"initialization_options"`

	// MaxRestarts caps crash recovery attempts. Zero disables restarts.
	MaxRestarts int `toml:"max_restarts"`
}

// Pump configures the notification queue.
type Pump struct {
	// RegularCapacity bounds the droppable notification lane.
	RegularCapacity int `toml:"regular_capacity"`
}

// Timeouts configures the proxy's caller-supplied deadlines.
type Timeouts struct {
	Request       duration `toml:"request"`
	ShutdownGrace duration `toml:"shutdown_grace"`
}

// duration wraps time.Duration for TOML text values like "30s".
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backends: make(map[string]Backend),
		Pump:     Pump{RegularCapacity: 64},
		Timeouts: Timeouts{
			Request:       duration(30 * time.Second),
			ShutdownGrace: duration(5 * time.Second),
		},
	}
}

// Load reads a TOML config file, layered over the defaults. An empty path
// or a missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, b := range c.Backends {
		if b.Command == "" {
			return fmt.Errorf("backend %q: command is required", name)
		}
	}
	if c.Pump.RegularCapacity < 1 {
		return fmt.Errorf("pump.regular_capacity must be at least 1")
	}
	return nil
}
