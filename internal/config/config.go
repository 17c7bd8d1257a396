// Package config loads tillsync settings from defaults, an optional YAML
// file and TILLSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
)

// EnvPrefix prefixes environment overrides. Nested keys join with "_",
// e.g. TILLSYNC_REMOTE_BASE_URL for remote.base_url.
const EnvPrefix = "TILLSYNC"

// Config is the full tillsync configuration.
type Config struct {
	DBPath string       `mapstructure:"db_path"`
	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Log    LogConfig    `mapstructure:"log"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Notify enables the websocket change notifier.
	Notify bool `mapstructure:"notify"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	DeferDelay time.Duration `mapstructure:"defer_delay"`

	// PullTypes limits pulls to these entity types. Empty means all.
	PullTypes []string `mapstructure:"pull_types"`

	// PruneAfter is how long synced queue rows are kept.
	PruneAfter time.Duration `mapstructure:"prune_after"`
}

// RetryConfig is the queue's backoff policy.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// LogConfig controls the optional rotating JSON log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	q := queue.DefaultConfig()
	return Config{
		DBPath: "tillsync.db",
		Remote: RemoteConfig{Timeout: 30 * time.Second, Notify: true},
		Sync: SyncConfig{
			Interval:   time.Minute,
			BatchSize:  50,
			DeferDelay: 5 * time.Second,
			PruneAfter: 7 * 24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxRetries:  q.MaxRetries,
			BackoffBase: q.BackoffBase,
			BackoffCap:  q.BackoffCap,
			Jitter:      q.Jitter,
		},
		Log: LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.notify", d.Remote.Notify)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.defer_delay", d.Sync.DeferDelay)
	v.SetDefault("sync.pull_types", d.Sync.PullTypes)
	v.SetDefault("sync.prune_after", d.Sync.PruneAfter)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.backoff_base", d.Retry.BackoffBase)
	v.SetDefault("retry.backoff_cap", d.Retry.BackoffCap)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	for _, t := range c.Sync.PullTypes {
		if _, ok := entity.Lookup(t); !ok {
			errs = append(errs, fmt.Errorf("sync.pull_types: unknown entity type %q", t))
		}
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.max_retries must be at least 1"))
	}
	if c.Retry.BackoffBase <= 0 || c.Retry.BackoffCap < c.Retry.BackoffBase {
		errs = append(errs, errors.New("retry.backoff_base must be positive and not above retry.backoff_cap"))
	}
	if c.Retry.Jitter < 0 {
		errs = append(errs, errors.New("retry.jitter must not be negative"))
	}
	return errors.Join(errs...)
}

// Queue returns the queue's retry policy.
func (c Config) Queue() queue.Config {
	return queue.Config{
		MaxRetries:  c.Retry.MaxRetries,
		BackoffBase: c.Retry.BackoffBase,
		BackoffCap:  c.Retry.BackoffCap,
		Jitter:      c.Retry.Jitter,
	}
}
