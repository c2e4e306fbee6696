package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Tokens.TTLSeconds != 300 {
		t.Errorf("TTLSeconds = %d, want 300", cfg.Tokens.TTLSeconds)
	}
	if cfg.Tokens.RotateThresholdMS != 3000 {
		t.Errorf("RotateThresholdMS = %d, want 3000", cfg.Tokens.RotateThresholdMS)
	}
	if cfg.Tokens.GraceMS != 2000 {
		t.Errorf("GraceMS = %d, want 2000", cfg.Tokens.GraceMS)
	}
	if cfg.Tokens.WatchdogIntervalMS != 1000 {
		t.Errorf("WatchdogIntervalMS = %d, want 1000", cfg.Tokens.WatchdogIntervalMS)
	}
	if !cfg.Tokens.WatchdogEnabled {
		t.Error("WatchdogEnabled = false, want true")
	}
	if cfg.Tokens.Namespace != "tok" {
		t.Errorf("Namespace = %s, want tok", cfg.Tokens.Namespace)
	}

	if cfg.Tokens.TTL() != 300*time.Second {
		t.Errorf("TTL() = %v, want 5m", cfg.Tokens.TTL())
	}
	if cfg.Tokens.WatchdogInterval() != time.Second {
		t.Errorf("WatchdogInterval() = %v, want 1s", cfg.Tokens.WatchdogInterval())
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "capitais-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Tokens.TTLSeconds != 300 {
		t.Errorf("TTLSeconds = %d, want default 300", cfg.Tokens.TTLSeconds)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "config.yaml")); err != nil {
		t.Errorf("config file not written on first run: %v", err)
	}
}

func TestLoadConfigRoundtrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "capitais-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.Redis.Addr = "redis.internal:6380"
	cfg.Tokens.TTLSeconds = 120
	cfg.Tokens.WatchdogEnabled = false

	if err := SaveConfig(tmpDir, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %s", loaded.Redis.Addr)
	}
	if loaded.Tokens.TTLSeconds != 120 {
		t.Errorf("TTLSeconds = %d, want 120", loaded.Tokens.TTLSeconds)
	}
	if loaded.Tokens.WatchdogEnabled {
		t.Error("WatchdogEnabled = true, want false")
	}
	// untouched fields keep their defaults
	if loaded.Tokens.RotateThresholdMS != 3000 {
		t.Errorf("RotateThresholdMS = %d, want 3000", loaded.Tokens.RotateThresholdMS)
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "capitais-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	partial := []byte("tokens:\n  ttl_seconds: 60\n")
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), partial, 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Tokens.TTLSeconds != 60 {
		t.Errorf("TTLSeconds = %d, want 60", cfg.Tokens.TTLSeconds)
	}
	// fields missing from the file fall back to defaults
	if cfg.Tokens.GraceMS != 2000 {
		t.Errorf("GraceMS = %d, want 2000", cfg.Tokens.GraceMS)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr = %s, want default", cfg.Redis.Addr)
	}
}
