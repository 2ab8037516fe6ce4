// Package logger wires the daemon's structured logging (slog) and the
// per-project console log files (lumberjack) from one configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Rotation defaults, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// SlogConfig describes the daemon's own structured log output.
type SlogConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	Format     string `mapstructure:"format" toml:"format"`
	Color      bool   `mapstructure:"color" toml:"color"`
	TimeStamps bool   `mapstructure:"timestamps" toml:"timestamps"`
	Source     bool   `mapstructure:"source" toml:"source"`
	File       string `mapstructure:"file" toml:"file"` // optional rotating file instead of stderr
}

// FileConfig describes rotating console log files, one per project. The
// console is a single merged stream (game servers interleave stdout and
// stderr on purpose), so each project gets one file.
type FileConfig struct {
	Dir        string `mapstructure:"dir" toml:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// Config is the unified logging configuration.
type Config struct {
	Slog    SlogConfig `mapstructure:"slog" toml:"slog"`
	Console FileConfig `mapstructure:"console" toml:"console"`
}

// NewSlogger builds the daemon logger per the Slog section. With File set,
// output goes to a rotating file; otherwise to stderr, colorized when Color
// is set and the format is text.
func (c Config) NewSlogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}

	var w io.Writer = os.Stderr
	if c.Slog.File != "" {
		w = &lj.Logger{
			Filename:   c.Slog.File,
			MaxSize:    valOr(c.Console.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.Console.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.Console.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Console.Compress,
		}
	}

	var h slog.Handler
	switch strings.ToLower(c.Slog.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		if c.Slog.Color && c.Slog.File == "" {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writer returns the rotating console log writer for a project, or nil when
// no console log directory is configured.
func (c FileConfig) Writer(project string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.console.log", project)),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
