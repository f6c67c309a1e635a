package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	RedisURL         string `yaml:"redis_url"`
	DevInMemoryStore bool   `yaml:"dev_inmemory_store"`
	KeyPrefix        string `yaml:"key_prefix"`

	RecordTTLSec     int   `yaml:"record_ttl_sec"`
	InitialClockMs   int64 `yaml:"initial_clock_ms"`
	PresenceTTLMs    int   `yaml:"presence_ttl_ms"`
	HeartbeatMs      int   `yaml:"heartbeat_ms"`
	ReaperIntervalMs int   `yaml:"reaper_interval_ms"`

	StoreRetryMax    int `yaml:"store_retry_max"`
	StoreRetryBaseMs int `yaml:"store_retry_base_ms"`
	TxMaxAttempts    int `yaml:"tx_max_attempts"`

	HubHTTPAddr  string `yaml:"hub_http_addr"`
	HubWatchAddr string `yaml:"hub_watch_addr"`

	BotThinkMs  int    `yaml:"bot_think_ms"`
	BotUserID   string `yaml:"bot_user_id"`
	MessagesDir string `yaml:"messages_dir"`
}

func Defaults() *AppConfig {
	return &AppConfig{
		KeyPrefix:        "blitz",
		RecordTTLSec:     24 * 3600,
		InitialClockMs:   5 * 60 * 1000,
		PresenceTTLMs:    15000,
		HeartbeatMs:      5000,
		ReaperIntervalMs: 2000,
		StoreRetryMax:    4,
		StoreRetryBaseMs: 100,
		TxMaxAttempts:    32,
		HubHTTPAddr:      ":8080",
		HubWatchAddr:     ":8081",
		BotThinkMs:       500,
	}
}

// Load reads .env (if present), then CONFIG_FILE (yaml, optional), then the environment.
// Environment values win.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.KeyPrefix, "KEY_PREFIX")
	setString(&c.HubHTTPAddr, "HUB_HTTP_ADDR")
	setString(&c.HubWatchAddr, "HUB_WATCH_ADDR")
	setString(&c.BotUserID, "BOT_USER_ID")
	setString(&c.MessagesDir, "MESSAGES_DIR")

	if v := strings.TrimSpace(os.Getenv("DEV_INMEMORY_STORE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DevInMemoryStore = b
		}
	}

	setPositive(&c.RecordTTLSec, "RECORD_TTL_SEC")
	setPositive(&c.PresenceTTLMs, "PRESENCE_TTL_MS")
	setPositive(&c.HeartbeatMs, "HEARTBEAT_MS")
	setPositive(&c.ReaperIntervalMs, "REAPER_INTERVAL_MS")
	setPositive(&c.StoreRetryMax, "STORE_RETRY_MAX")
	setPositive(&c.StoreRetryBaseMs, "STORE_RETRY_BASE_MS")
	setPositive(&c.TxMaxAttempts, "TX_MAX_ATTEMPTS")
	setPositive(&c.BotThinkMs, "BOT_THINK_MS")
	if v := strings.TrimSpace(os.Getenv("INITIAL_CLOCK_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.InitialClockMs = n
		}
	}
}

func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.RedisURL) == "" && !c.DevInMemoryStore {
		return errors.New("REDIS_URL is required (or DEV_INMEMORY_STORE=true)")
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("KEY_PREFIX must not be empty")
	}
	if c.HeartbeatMs >= c.PresenceTTLMs {
		return fmt.Errorf("HEARTBEAT_MS (%d) must be below PRESENCE_TTL_MS (%d)", c.HeartbeatMs, c.PresenceTTLMs)
	}
	if c.InitialClockMs <= 0 {
		return errors.New("INITIAL_CLOCK_MS must be positive")
	}
	return nil
}

func (c *AppConfig) RecordTTL() time.Duration { return time.Duration(c.RecordTTLSec) * time.Second }

func (c *AppConfig) PresenceTTL() time.Duration { return ms(c.PresenceTTLMs) }

func (c *AppConfig) Heartbeat() time.Duration { return ms(c.HeartbeatMs) }

func (c *AppConfig) ReaperInterval() time.Duration { return ms(c.ReaperIntervalMs) }

func (c *AppConfig) StoreRetryBase() time.Duration { return ms(c.StoreRetryBaseMs) }

func (c *AppConfig) BotThink() time.Duration { return ms(c.BotThinkMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setPositive(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
