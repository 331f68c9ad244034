package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.matchsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	SocketURL      string    `toml:"socket_url"`
	APIURL         string    `toml:"api_url"`
	LogLevel       string    `toml:"log_level"`
	Reconnect      Reconnect `toml:"reconnect"`
	Dedup          Dedup     `toml:"dedup"`
	Cache          Cache     `toml:"cache"`
	Outbox         Outbox    `toml:"outbox"`
}

type Reconnect struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

type Dedup struct {
	Window Duration `toml:"window"`
}

// Cache selects the local cache backend.
type Cache struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
}

type Outbox struct {
	PollInterval Duration `toml:"poll_interval"`
}

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		SocketURL:      "ws://localhost:3000/socket",
		APIURL:         "http://localhost:3000",
		LogLevel:       "info",
		Reconnect: Reconnect{
			MaxAttempts: 5,
			BaseDelay:   Duration{500 * time.Millisecond},
			MaxDelay:    Duration{10 * time.Second},
		},
		Dedup:  Dedup{Window: Duration{5 * time.Second}},
		Cache:  Cache{Backend: BackendSQLite, RedisAddr: "localhost:6379"},
		Outbox: Outbox{PollInterval: Duration{500 * time.Millisecond}},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads the file over the defaults. A missing file yields the
// defaults; a malformed one is an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults and validates the rest. At least
// two connection attempts are always made so a failure is retried once.
func (c *Config) Normalize() error {
	def := Default()
	if c.DefaultSession == "" {
		c.DefaultSession = def.DefaultSession
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	switch {
	case c.Reconnect.MaxAttempts <= 0:
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	case c.Reconnect.MaxAttempts < 2:
		c.Reconnect.MaxAttempts = 2
	}
	if c.Reconnect.BaseDelay.Duration <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay.Duration <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}
	if c.Dedup.Window.Duration <= 0 {
		c.Dedup.Window = def.Dedup.Window
	}
	if c.Outbox.PollInterval.Duration <= 0 {
		c.Outbox.PollInterval = def.Outbox.PollInterval
	}
	switch c.Cache.Backend {
	case "":
		c.Cache.Backend = BackendSQLite
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == BackendRedis && c.Cache.RedisAddr == "" {
		c.Cache.RedisAddr = def.Cache.RedisAddr
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
