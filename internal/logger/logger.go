package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the engine's log destination. With an empty Dir and Path,
// logs go to stderr only. Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`                   // base directory, file becomes Dir/scanflow.log
	Path       string `toml:"path" mapstructure:"path"`                 // explicit path overrides Dir
	Level      string `toml:"level" mapstructure:"level"`               // debug, info, warn, error
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `toml:"compress" mapstructure:"compress"`         // gzip rotated files
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, "scanflow.log")
	}
	return ""
}

// New builds a slog logger per the config. File output rotates via
// lumberjack; the stderr copy keeps the colored handler for interactive use.
func New(c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	path := c.path()
	if path == "" {
		return slog.New(NewColorTextHandler(os.Stderr, opts, true))
	}
	file := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
