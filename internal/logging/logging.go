// Package logging builds the structured loggers used across Springboard.
//
// Every process writes one JSON object per line. Lifecycle events carry an
// event_type field so they can be filtered out of the regular log stream:
//
//	{"time":"...","level":"INFO","msg":"module_initialized","component":"engine","event_type":"module_initialized","module":"counter"}
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Format selects the handler used by New.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures New.
type Options struct {
	Format   Format
	Level    string
	Instance string
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", level)
	}
}

// New creates a logger writing to w. The instance name, when set, is attached
// to every record.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch opts.Format {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(w, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format: %q", opts.Format)
	}

	logger := slog.New(handler)
	if opts.Instance != "" {
		logger = logger.With("instance", opts.Instance)
	}
	return logger, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Event logs a lifecycle event at info level with event_type set.
func Event(logger *slog.Logger, eventType string, attrs ...any) {
	logger.Log(context.Background(), slog.LevelInfo, eventType, append([]any{"event_type", eventType}, attrs...)...)
}
