// Package applog sets up the process logger for the tabsync commands.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options configures Init.
type Options struct {
	Dir string
	// Component names the process ("relay", "join") in the file name and
	// on every record.
	Component string
	Level     string
	// Format is "text" (default) or "json".
	Format   string
	KeepDays int
	// Stderr copies every record to os.Stderr as well.
	Stderr bool
}

// Init installs a logger writing to a daily file under opts.Dir as
// slog.Default and as the output of the log package. The caller closes the
// returned io.Closer on exit.
func Init(opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	component := opts.Component
	if component == "" {
		component = "tabsync"
	}
	rotator := NewRotator(opts.Dir, component, opts.KeepDays)

	var out io.Writer = rotator
	if opts.Stderr {
		out = io.MultiWriter(rotator, os.Stderr)
	}
	logger := slog.New(NewHandler(out, opts.Format, ParseLevel(opts.Level))).With("component", component)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a config level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
