package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/djwarf/calsync/internal/logging"
	calsync "github.com/djwarf/calsync/internal/sync"
)

// EnvPrefix prefixes environment overrides, e.g. CALSYNC_LOG_LEVEL.
const EnvPrefix = "CALSYNC"

// Config holds application configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sync settings
	SyncSchedule          string `json:"sync_schedule" mapstructure:"sync_schedule"` // cron schedule for "calsync watch"
	SyncOnStartup         bool   `json:"sync_on_startup" mapstructure:"sync_on_startup"`
	ConflictStrategy      string `json:"conflict_strategy" mapstructure:"conflict_strategy"`
	WindowPastDays        int    `json:"window_past_days" mapstructure:"window_past_days"`
	WindowFutureDays      int    `json:"window_future_days" mapstructure:"window_future_days"`
	MaxParseRetries       int    `json:"max_parse_retries" mapstructure:"max_parse_retries"`
	MaxConflictCycles     int    `json:"max_conflict_cycles" mapstructure:"max_conflict_cycles"`
	RetryBaseSeconds      int    `json:"retry_base_seconds" mapstructure:"retry_base_seconds"`
	RetryMaxExponent      int    `json:"retry_max_exponent" mapstructure:"retry_max_exponent"`
	PassTimeoutSeconds    int    `json:"pass_timeout_seconds" mapstructure:"pass_timeout_seconds"`
	MaxConcurrentAccounts int    `json:"max_concurrent_accounts" mapstructure:"max_concurrent_accounts"`

	// Notification settings
	NotificationsEnabled bool `json:"notifications_enabled" mapstructure:"notifications_enabled"`

	Log    logging.Options `json:"log" mapstructure:"log"`
	Google GoogleConfig    `json:"google" mapstructure:"google"`

	path string
}

// GoogleConfig holds the OAuth client used for Google accounts.
type GoogleConfig struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir:               getDefaultDataDir(),
		SyncSchedule:          "@every 15m",
		SyncOnStartup:         true,
		ConflictStrategy:      string(calsync.StrategyServerWins),
		WindowPastDays:        int(calsync.DefaultWindowPast / (24 * time.Hour)),
		WindowFutureDays:      int(calsync.DefaultWindowFuture / (24 * time.Hour)),
		MaxParseRetries:       calsync.DefaultMaxParseRetries,
		MaxConflictCycles:     calsync.DefaultMaxConflictCycles,
		RetryBaseSeconds:      int(calsync.DefaultRetryBaseDelay / time.Second),
		RetryMaxExponent:      calsync.DefaultRetryMaxExponent,
		PassTimeoutSeconds:    300,
		MaxConcurrentAccounts: calsync.DefaultMaxConcurrent,
		NotificationsEnabled:  true,
		Log: logging.Options{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads the config file at path, or the default location when path
// is empty, and applies CALSYNC_* environment overrides. A missing file is
// created with the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := DefaultConfig().SaveTo(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("sync_schedule", d.SyncSchedule)
	v.SetDefault("sync_on_startup", d.SyncOnStartup)
	v.SetDefault("conflict_strategy", d.ConflictStrategy)
	v.SetDefault("window_past_days", d.WindowPastDays)
	v.SetDefault("window_future_days", d.WindowFutureDays)
	v.SetDefault("max_parse_retries", d.MaxParseRetries)
	v.SetDefault("max_conflict_cycles", d.MaxConflictCycles)
	v.SetDefault("retry_base_seconds", d.RetryBaseSeconds)
	v.SetDefault("retry_max_exponent", d.RetryMaxExponent)
	v.SetDefault("pass_timeout_seconds", d.PassTimeoutSeconds)
	v.SetDefault("max_concurrent_accounts", d.MaxConcurrentAccounts)
	v.SetDefault("notifications_enabled", d.NotificationsEnabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("google.client_id", d.Google.ClientID)
	v.SetDefault("google.client_secret", d.Google.ClientSecret)
}

// Validate checks the values a pass cannot run without.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if !calsync.Strategy(c.ConflictStrategy).IsValid() {
		return fmt.Errorf("unknown conflict_strategy %q", c.ConflictStrategy)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
		return fmt.Errorf("invalid sync_schedule %q: %w", c.SyncSchedule, err)
	}
	return nil
}

// SyncOptions converts the sync settings into engine options. Logger,
// notifier and clock are left for the caller.
func (c *Config) SyncOptions() calsync.Options {
	day := 24 * time.Hour
	return calsync.Options{
		Strategy:              calsync.Strategy(c.ConflictStrategy),
		WindowPast:            time.Duration(c.WindowPastDays) * day,
		WindowFuture:          time.Duration(c.WindowFutureDays) * day,
		MaxParseRetries:       c.MaxParseRetries,
		MaxConflictCycles:     c.MaxConflictCycles,
		RetryBaseDelay:        time.Duration(c.RetryBaseSeconds) * time.Second,
		RetryMaxExponent:      c.RetryMaxExponent,
		PassTimeout:           time.Duration(c.PassTimeoutSeconds) * time.Second,
		MaxConcurrentAccounts: c.MaxConcurrentAccounts,
	}
}

// Save saves config to the file it was loaded from
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = ConfigPath()
	}
	return c.SaveTo(path)
}

// SaveTo writes the config as JSON to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// The file may hold an OAuth client secret.
	return os.WriteFile(path, data, 0600)
}

// DatabasePath returns the path to the SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "calsync.db")
}

// TokenDir returns the directory holding OAuth tokens
func (c *Config) TokenDir() string {
	return filepath.Join(c.DataDir, "tokens")
}

// ConfigPath returns the default path of the config file
func ConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "calsync", "config.json")
}

// getDefaultDataDir returns the default data directory
func getDefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(dataDir, "calsync")
}
