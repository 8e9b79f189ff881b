package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/scanflow/internal/history"
	"github.com/loykin/scanflow/internal/logger"
	"github.com/loykin/scanflow/internal/retry"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Log     *logger.Config `toml:"log" mapstructure:"log"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	Retry   RetryConfig    `toml:"retry" mapstructure:"retry"`
	Sink    SinkConfig     `toml:"sink" mapstructure:"sink"`
	Outbox  OutboxConfig   `toml:"outbox" mapstructure:"outbox"`
	Server  ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

type HistoryConfig struct {
	Dir              string        `toml:"dir" mapstructure:"dir"`
	DedupWindow      time.Duration `toml:"dedup_window" mapstructure:"dedup_window"`
	MaxArchives      int           `toml:"max_archives" mapstructure:"max_archives"`
	MaxArchiveAge    time.Duration `toml:"max_archive_age" mapstructure:"max_archive_age"`
	FlushInterval    time.Duration `toml:"flush_interval" mapstructure:"flush_interval"`
	FlushThreshold   int           `toml:"flush_threshold" mapstructure:"flush_threshold"`
	RotateMaxRecords int           `toml:"rotate_max_records" mapstructure:"rotate_max_records"`
	RotateMaxAge     time.Duration `toml:"rotate_max_age" mapstructure:"rotate_max_age"`
}

type RetryConfig struct {
	MaxAttempts    int           `toml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay      time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	Multiplier     float64       `toml:"multiplier" mapstructure:"multiplier"`
	MaxDelay       time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	JitterFraction float64       `toml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

type SinkConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type OutboxConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks the fields the engine cannot default away.
func (fc *FileConfig) Validate() error {
	if fc.History.Dir == "" {
		return fmt.Errorf("config: history.dir is required")
	}
	if fc.Sink.DSN == "" {
		return fmt.Errorf("config: sink.dsn is required")
	}
	if p := fc.Retry.Policy(); p != (retry.Policy{}) {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: retry: %w", err)
		}
	}
	return nil
}

// Policy converts the retry section to a scheduler policy. An entirely unset
// section yields the zero policy, which callers replace with the default.
func (rc RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		BaseDelay:      rc.BaseDelay,
		Multiplier:     rc.Multiplier,
		MaxDelay:       rc.MaxDelay,
		JitterFraction: rc.JitterFraction,
	}
}

// EffectivePolicy returns the configured policy, or the default when the
// retry section is entirely unset.
func (rc RetryConfig) EffectivePolicy() retry.Policy {
	p := rc.Policy()
	if p == (retry.Policy{}) {
		return retry.DefaultPolicy
	}
	return p
}

// Options converts the history section to store options. Zero fields keep the
// store's own defaults.
func (hc HistoryConfig) Options() history.Options {
	return history.Options{
		Dir:              hc.Dir,
		DedupWindow:      hc.DedupWindow,
		MaxArchives:      hc.MaxArchives,
		MaxArchiveAge:    hc.MaxArchiveAge,
		FlushInterval:    hc.FlushInterval,
		FlushThreshold:   hc.FlushThreshold,
		RotateMaxRecords: hc.RotateMaxRecords,
		RotateMaxAge:     hc.RotateMaxAge,
	}
}

// OutboxDSN returns the outbox DSN, falling back to a SQLite file next to the
// history dir when the section is unset.
func (fc *FileConfig) OutboxDSN() string {
	if fc.Outbox.DSN != "" {
		return fc.Outbox.DSN
	}
	return "sqlite://" + fc.History.Dir + "/outbox.db"
}
