package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tOgg1/parley/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. PARLEY_DATABASE_PATH.
const EnvPrefix = "PARLEY"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence defaults < config file < env.
// Flags are applied by the binaries on top of the result.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Settings returns all resolved settings as a nested map with secrets and
// URL credentials redacted, ready to log or print.
func (l *Loader) Settings() map[string]any {
	return logging.RedactMap(l.v.AllSettings())
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "parley"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "parley"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaultValues(cfg) {
		v.SetDefault(key, value)
	}

	// Unmarshal only sees nested env values for keys viper knows about.
	for key := range defaultValues(cfg) {
		_ = v.BindEnv(key, EnvVar(key))
	}
	v.AutomaticEnv()
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func defaultValues(cfg *Config) map[string]any {
	return map[string]any{
		"global.data_dir":   cfg.Global.DataDir,
		"global.config_dir": cfg.Global.ConfigDir,
		"global.node_id":    cfg.Global.NodeID,

		"database.driver":          cfg.Database.Driver,
		"database.path":            cfg.Database.Path,
		"database.dsn":             cfg.Database.DSN,
		"database.max_connections": cfg.Database.MaxConnections,
		"database.busy_timeout_ms": cfg.Database.BusyTimeoutMs,

		"logging.level":         cfg.Logging.Level,
		"logging.format":        cfg.Logging.Format,
		"logging.file":          cfg.Logging.File,
		"logging.enable_caller": cfg.Logging.EnableCaller,

		"delivery.interval":      cfg.Delivery.Interval,
		"delivery.fetch_timeout": cfg.Delivery.FetchTimeout,

		"store.timeout":        cfg.Store.Timeout,
		"store.max_body_bytes": cfg.Store.MaxBodyBytes,

		"sender.max_attempts": cfg.Sender.MaxAttempts,
		"sender.backoff":      cfg.Sender.Backoff,

		"server.addr":             cfg.Server.Addr,
		"server.read_timeout":     cfg.Server.ReadTimeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,

		"auth.jwt_secret": cfg.Auth.JWTSecret,
		"auth.issuer":     cfg.Auth.Issuer,
		"auth.token_ttl":  cfg.Auth.TokenTTL,

		"limits.send_rate":  cfg.Limits.SendRate,
		"limits.send_burst": cfg.Limits.SendBurst,

		"notify.backend":            cfg.Notify.Backend,
		"notify.subject":            cfg.Notify.Subject,
		"notify.redis_addr":         cfg.Notify.RedisAddr,
		"notify.redis_password":     cfg.Notify.RedisPassword,
		"notify.redis_db":           cfg.Notify.RedisDB,
		"notify.nats_url":           cfg.Notify.NATSURL,
		"notify.reconnect_interval": cfg.Notify.ReconnectInterval,

		"badges.enabled": cfg.Badges.Enabled,
		"badges.ttl":     cfg.Badges.TTL,
	}
}

// loadConfigFile reads the config file. A missing file is only an error
// when it was named explicitly.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}
