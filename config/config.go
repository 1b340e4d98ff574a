// Package config loads engine configuration from a yaml file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomlab/loom/runtime"
)

// Config is the root configuration for the engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Logging LoggingConfig `yaml:"logging"`

	// Agents maps reference ids to invocable agent profiles.
	Agents map[string]runtime.Profile `yaml:"agents"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// RuntimeConfig selects the agent runtime provider.
type RuntimeConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", Metrics: true},
		Store:   StoreConfig{Driver: "memory", Path: "loom.db"},
		Runtime: RuntimeConfig{Provider: "anthropic"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the yaml file at path on top of the defaults and applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with LOOM_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LOOM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LOOM_RUNTIME_PROVIDER"); v != "" {
		cfg.Runtime.Provider = v
	}
	if v := os.Getenv("LOOM_RUNTIME_MODEL"); v != "" {
		cfg.Runtime.Model = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects unknown driver and provider values early.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Runtime.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown runtime provider %q", c.Runtime.Provider)
	}
	return nil
}
