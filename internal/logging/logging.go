// Package logging sets up the slog logger shared by the sync engine and the
// command line shell.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `json:"level" mapstructure:"level"`
	// JSON switches from text to JSON records.
	JSON bool `json:"json" mapstructure:"json"`
	// File, when set, receives the records instead of Output. The file is
	// rotated once it reaches MaxSizeMB.
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`

	// Output defaults to os.Stderr.
	Output io.Writer `json:"-" mapstructure:"-"`
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New builds a logger. The returned closer releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	switch {
	case opts.File != "":
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out, closer = rotating, rotating
	case opts.Output != nil:
		out = opts.Output
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Common attribute keys.
const (
	KeyAccount  = "account"
	KeyCalendar = "calendar"
	KeyEvent    = "event"
	KeyError    = "error"
)

// Account returns an attribute naming an account.
func Account(id int64) slog.Attr {
	return slog.Int64(KeyAccount, id)
}

// Calendar returns an attribute naming a calendar.
func Calendar(id int64) slog.Attr {
	return slog.Int64(KeyCalendar, id)
}

// Err returns an attribute for err, or an empty attribute for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any(KeyError, err)
}
