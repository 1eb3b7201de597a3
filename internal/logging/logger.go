package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options select the handler. Zero values give an info-level text logger on
// stderr.
type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// New builds a slog logger. ACTIONGATE_LOG_LEVEL overrides Options.Level.
func New(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	if val := os.Getenv("ACTIONGATE_LOG_LEVEL"); val != "" {
		level = ParseLevel(val)
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, hopts)
	default:
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
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

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
