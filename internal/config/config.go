// Package config handles parley configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for parley.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`

	// Delivery controls the per-thread poll subscriptions.
	Delivery DeliveryConfig `yaml:"delivery" mapstructure:"delivery"`

	// Store bounds message store calls.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Sender controls client-side append retries.
	Sender SenderConfig `yaml:"sender" mapstructure:"sender"`

	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Auth   AuthConfig   `yaml:"auth" mapstructure:"auth"`
	Limits LimitsConfig `yaml:"limits" mapstructure:"limits"`

	// Notify bridges events to other processes.
	Notify NotifyConfig `yaml:"notify" mapstructure:"notify"`

	// Badges caches unread counts in Redis.
	Badges BadgesConfig `yaml:"badges" mapstructure:"badges"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where parley stores its data (default: ~/.local/share/parley).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/parley).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`

	// NodeID names this process in bridged events. Defaults to the hostname.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is how long SQLite waits on a locked database.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level        string `yaml:"level" mapstructure:"level"`
	Format       string `yaml:"format" mapstructure:"format"`
	File         string `yaml:"file" mapstructure:"file"`
	EnableCaller bool   `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DeliveryConfig contains poller settings.
type DeliveryConfig struct {
	// Interval is the resync period of a subscription.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// FetchTimeout bounds each fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// StoreConfig contains message store settings.
type StoreConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes int           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// SenderConfig contains append retry settings.
type SenderConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string        `yaml:"issuer" mapstructure:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// LimitsConfig contains per-sender rate limits.
type LimitsConfig struct {
	SendRate  float64 `yaml:"send_rate" mapstructure:"send_rate"`
	SendBurst int     `yaml:"send_burst" mapstructure:"send_burst"`
}

// NotifyConfig selects the cross-process event transport.
type NotifyConfig struct {
	// Backend is none, redis, or nats.
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Subject is the Redis channel or NATS subject.
	Subject string `yaml:"subject" mapstructure:"subject"`

	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`

	NATSURL string `yaml:"nats_url" mapstructure:"nats_url"`

	// ReconnectInterval is the wait between bridge reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
}

// BadgesConfig contains unread badge cache settings.
type BadgesConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "parley"),
			ConfigDir: filepath.Join(homeDir, ".config", "parley"),
			NodeID:    hostname,
		},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Delivery: DeliveryConfig{
			Interval:     time.Second,
			FetchTimeout: 3 * time.Second,
		},
		Store: StoreConfig{
			Timeout:      5 * time.Second,
			MaxBodyBytes: 8 * 1024,
		},
		Sender: SenderConfig{
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8480",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:   "parley",
			TokenTTL: 24 * time.Hour,
		},
		Limits: LimitsConfig{
			SendRate:  5,
			SendBurst: 10,
		},
		Notify: NotifyConfig{
			Backend:           "none",
			Subject:           "parley.events",
			RedisAddr:         "127.0.0.1:6379",
			NATSURL:           "nats://127.0.0.1:4222",
			ReconnectInterval: 2 * time.Second,
		},
		Badges: BadgesConfig{
			TTL: 10 * time.Minute,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Delivery.Interval < 100*time.Millisecond {
		return fmt.Errorf("delivery.interval must be at least 100ms")
	}
	if c.Delivery.FetchTimeout <= 0 {
		return fmt.Errorf("delivery.fetch_timeout must be positive")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.Store.MaxBodyBytes < 1 {
		return fmt.Errorf("store.max_body_bytes must be at least 1")
	}
	if c.Sender.MaxAttempts < 1 {
		return fmt.Errorf("sender.max_attempts must be at least 1")
	}
	switch c.Notify.Backend {
	case "none", "", "redis", "nats":
	default:
		return fmt.Errorf("notify.backend must be one of none, redis, nats")
	}
	if c.Badges.Enabled && c.Notify.RedisAddr == "" {
		return fmt.Errorf("badges.enabled requires notify.redis_addr")
	}
	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Global.DataDir, c.Global.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the full SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "parley.db")
}
