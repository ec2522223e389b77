// Package config loads the application configuration with viper.
//
// Sources, highest precedence first: QUESTLOG_* environment variables, the
// config file (questlog.yaml in the working directory or
// $HOME/.config/questlog, or an explicit --config path), then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. QUESTLOG_REMOTE_DSN.
const EnvPrefix = "QUESTLOG"

// Config holds the whole application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Rules   RulesConfig   `mapstructure:"rules" yaml:"rules"`
	User    UserConfig    `mapstructure:"user" yaml:"user"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig configures zap and the optional rotating log file.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	Color       bool   `mapstructure:"color" yaml:"color"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StoreConfig locates the local SQLite replica.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RemoteConfig configures the remote backend. An empty DSN runs local-only.
type RemoteConfig struct {
	DSN           string        `mapstructure:"dsn" yaml:"-"`
	Migrate       bool          `mapstructure:"migrate" yaml:"migrate"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// SyncConfig seeds the reconciliation scheduler.
type SyncConfig struct {
	AutoSync          bool `mapstructure:"auto_sync" yaml:"auto_sync"`
	IntervalMinutes   int  `mapstructure:"interval_minutes" yaml:"interval_minutes"`
	EnableOfflineMode bool `mapstructure:"enable_offline_mode" yaml:"enable_offline_mode"`
}

// RulesConfig points at an optional gamification rules file (.yaml or .cue).
type RulesConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// UserConfig identifies the user whose data is synchronized.
type UserConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// MetricsConfig configures the daemon's Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.color", true)
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "questlog")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Store --
	v.SetDefault("store.path", defaultStorePath())

	// -- Remote --
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.migrate", false)
	v.SetDefault("remote.probe_interval", "30s")
	v.SetDefault("remote.probe_timeout", "5s")

	// -- Sync --
	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.interval_minutes", 5)
	v.SetDefault("sync.enable_offline_mode", true)

	// -- Rules, user, metrics --
	v.SetDefault("rules.file", "")
	v.SetDefault("user.id", "")
	v.SetDefault("metrics.addr", "")
}

func defaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "questlog", "questlog.db")
	}
	return "questlog.db"
}

// NewDefaultConfig returns the defaults alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or searches the default locations
// when path is empty. A missing file in the default locations is not an
// error.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("questlog")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "questlog"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper decodes and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// The DSN carries credentials; keep a dedicated variable working even
	// when AutomaticEnv is off.
	_ = v.BindEnv("remote.dsn", EnvPrefix+"_REMOTE_DSN", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks for values that cannot work.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("sync.interval_minutes must be a positive integer")
	}
	if c.Remote.ProbeInterval <= 0 {
		return fmt.Errorf("remote.probe_interval must be a positive duration")
	}
	if c.Remote.ProbeTimeout <= 0 {
		return fmt.Errorf("remote.probe_timeout must be a positive duration")
	}
	if ext := strings.ToLower(filepath.Ext(c.Rules.File)); c.Rules.File != "" && ext != ".yaml" && ext != ".yml" && ext != ".cue" {
		return fmt.Errorf("rules.file must be .yaml, .yml or .cue, got %q", c.Rules.File)
	}
	return nil
}
