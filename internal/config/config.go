// Package config provides YAML-based configuration loading for Semaphore,
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// telegramHardLimit is the Bot API per-message size ceiling.
const telegramHardLimit = 4096

// Config is the top-level Semaphore configuration, loaded from config.yaml.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	API        APIConfig        `yaml:"api"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// TelegramConfig holds the channel credential and rate limit. An empty
// token disables the bridge entirely; it is an optional feature, not an
// error.
type TelegramConfig struct {
	Token              string `yaml:"token"`
	ChatID             string `yaml:"chat_id"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
}

// BridgeConfig tunes session and chunking behavior.
type BridgeConfig struct {
	EnableChunking    *bool  `yaml:"enable_chunking"` // default true
	MaxChunkSize      int    `yaml:"max_chunk_size"`
	SessionTimeoutSec int    `yaml:"session_timeout_sec"`
	MaxSessions       int    `yaml:"max_sessions"`
	SweepIntervalSec  int    `yaml:"sweep_interval_sec"`
	RetentionSec      int    `yaml:"retention_sec"`
	DigestCron        string `yaml:"digest_cron"` // 5-field cron; empty disables
}

// BreakerConfig tunes the circuit breaker on outbound sends.
type BreakerConfig struct {
	Threshold   int `yaml:"threshold"`
	CooldownSec int `yaml:"cooldown_sec"`
}

// APIConfig holds the HTTP surface settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// TranscriptConfig points at the optional sqlite transcript store.
type TranscriptConfig struct {
	Path string `yaml:"path"` // empty disables recording
}

// Load reads a YAML config file from path, applies environment
// overrides, and returns a validated Config. A missing file yields a
// default config so the daemon can run on env vars alone.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies env overrides and defaults, and
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays SEMAPHORE_* environment variables, sourcing a .env
// file when present.
func (c *Config) applyEnv() {
	godotenv.Load()

	if v := os.Getenv("SEMAPHORE_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("SEMAPHORE_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("SEMAPHORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
	if v := os.Getenv("SEMAPHORE_TRANSCRIPT_PATH"); v != "" {
		c.Transcript.Path = v
	}
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Telegram.RateLimitPerMinute == 0 {
		c.Telegram.RateLimitPerMinute = 30
	}
	if c.Telegram.RateLimitBurst == 0 {
		c.Telegram.RateLimitBurst = 5
	}
	if c.Bridge.EnableChunking == nil {
		t := true
		c.Bridge.EnableChunking = &t
	}
	if c.Bridge.MaxChunkSize == 0 {
		c.Bridge.MaxChunkSize = 3800
	}
	if c.Bridge.SessionTimeoutSec == 0 {
		c.Bridge.SessionTimeoutSec = 300
	}
	if c.Bridge.MaxSessions == 0 {
		c.Bridge.MaxSessions = 5
	}
	if c.Bridge.SweepIntervalSec == 0 {
		c.Bridge.SweepIntervalSec = 2
	}
	if c.Bridge.RetentionSec == 0 {
		c.Bridge.RetentionSec = 60
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.CooldownSec == 0 {
		c.Breaker.CooldownSec = 30
	}
	if c.API.Port == 0 {
		c.API.Port = 8642
	}
}

// validate checks field consistency. A missing token is valid: the
// bridge feature is simply disabled.
func (c *Config) validate() error {
	var errs []string
	if c.Telegram.Token != "" && c.Telegram.ChatID == "" {
		errs = append(errs, "telegram.chat_id is required when a token is set")
	}
	if c.Bridge.MaxChunkSize >= telegramHardLimit {
		errs = append(errs, fmt.Sprintf("bridge.max_chunk_size must stay below %d", telegramHardLimit))
	}
	if c.Bridge.MaxChunkSize < 64 {
		errs = append(errs, "bridge.max_chunk_size must be at least 64")
	}
	if c.Telegram.RateLimitPerMinute < 0 || c.Telegram.RateLimitBurst < 0 {
		errs = append(errs, "telegram rate limit values must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BridgeEnabled reports whether the channel credential is configured.
func (c *Config) BridgeEnabled() bool {
	return c.Telegram.Token != ""
}

// ChunkingEnabled reports whether oversized bodies may be split.
func (c *Config) ChunkingEnabled() bool {
	return c.Bridge.EnableChunking == nil || *c.Bridge.EnableChunking
}
