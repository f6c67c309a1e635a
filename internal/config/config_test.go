package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresStore(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DEV_INMEMORY_STORE", "")
	t.Setenv("CONFIG_FILE", "")
	t.Chdir(t.TempDir())
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "blitz.yaml")
	body := "redis_url: redis://file:6379/0\ninitial_clock_ms: 60000\nkey_prefix: filepfx\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://env:6379/1")
	t.Setenv("HEARTBEAT_MS", "1000")
	t.Setenv("PRESENCE_TTL_MS", "4000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379/1" {
		t.Fatalf("env should win, got %q", cfg.RedisURL)
	}
	if cfg.InitialClockMs != 60000 || cfg.KeyPrefix != "filepfx" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Heartbeat() != time.Second || cfg.PresenceTTL() != 4*time.Second {
		t.Fatalf("unexpected presence timings: %v %v", cfg.Heartbeat(), cfg.PresenceTTL())
	}
}

func TestValidateHeartbeatBelowTTL(t *testing.T) {
	cfg := Defaults()
	cfg.DevInMemoryStore = true
	cfg.HeartbeatMs = cfg.PresenceTTLMs
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected heartbeat validation error")
	}
}
