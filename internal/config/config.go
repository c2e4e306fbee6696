// Package config provides centralized configuration for the capitais daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Server holds the HTTP API settings.
	Server ServerConfig `yaml:"server"`

	// Database holds the relational store settings.
	Database DatabaseConfig `yaml:"database"`

	// Redis holds the keyed TTL store settings.
	Redis RedisConfig `yaml:"redis"`

	// Tokens holds the opaque-token lifecycle settings.
	Tokens TokenConfig `yaml:"tokens"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// ListenAddr is the host:port the API listens on.
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	// DataDir is the directory holding the SQLite database file.
	DataDir string `yaml:"data_dir"`
}

// RedisConfig holds keyed TTL store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TokenConfig holds the opaque-token lifecycle settings.
type TokenConfig struct {
	// TTLSeconds is the TTL of a freshly written credential.
	TTLSeconds int `yaml:"ttl_seconds"`

	// RotateThresholdMS triggers rotation when a key's remaining
	// TTL drops to or below this many milliseconds.
	RotateThresholdMS int `yaml:"rotate_threshold_ms"`

	// GraceMS is the shortened TTL applied to a superseded key.
	GraceMS int `yaml:"grace_ms"`

	// WatchdogIntervalMS is the watchdog loop period.
	WatchdogIntervalMS int `yaml:"watchdog_interval_ms"`

	// WatchdogEnabled controls whether the watchdog loop starts.
	WatchdogEnabled bool `yaml:"watchdog_enabled"`

	// Namespace is the key prefix for opaque tokens.
	Namespace string `yaml:"namespace"`

	// ConsumedScanLimit bounds the consumed-cleanup scan per pass.
	ConsumedScanLimit int `yaml:"consumed_scan_limit"`

	// ActiveScanLimit bounds the emit/rotate scan per pass.
	ActiveScanLimit int `yaml:"active_scan_limit"`
}

// TTL returns the credential TTL as a duration.
func (t TokenConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// RotateThreshold returns the rotation threshold as a duration.
func (t TokenConfig) RotateThreshold() time.Duration {
	return time.Duration(t.RotateThresholdMS) * time.Millisecond
}

// Grace returns the superseded-key grace window as a duration.
func (t TokenConfig) Grace() time.Duration {
	return time.Duration(t.GraceMS) * time.Millisecond
}

// WatchdogInterval returns the watchdog loop period as a duration.
func (t TokenConfig) WatchdogInterval() time.Duration {
	return time.Duration(t.WatchdogIntervalMS) * time.Millisecond
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			DataDir: "~/.capitais",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   1,
		},
		Tokens: TokenConfig{
			TTLSeconds:         300,
			RotateThresholdMS:  3000,
			GraceMS:            2000,
			WatchdogIntervalMS: 1000,
			WatchdogEnabled:    true,
			Namespace:          "tok",
			ConsumedScanLimit:  200,
			ActiveScanLimit:    500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), "config.yaml")
}

// LoadConfig loads the config file from the data directory, creating it
// with defaults on first run.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if saveErr := SaveConfig(dataDir, cfg); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start from defaults so new fields get sane values when the
	// on-disk file predates them.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the config file into the data directory.
func SaveConfig(dataDir string, cfg *Config) error {
	dir := expandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
