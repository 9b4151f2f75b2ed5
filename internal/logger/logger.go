// Package logger provides structured logging setup using slog.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Config selects the level, the stderr format and an optional JSON log file.
type Config struct {
	Level  string
	Format string // "json" or "text"
	File   string
}

// New builds the process logger and installs it as the slog default.
// The returned cleanup closes the log file, if one was opened.
func New(cfg Config) (*slog.Logger, func() error) {
	level := ParseLevel(cfg.Level)
	stderr := handlerFor(os.Stderr, cfg.Format, level)

	if cfg.File == "" {
		l := slog.New(stderr)
		slog.SetDefault(l)
		return l, func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(stderr)
		l.Error("failed to open log file, using stderr only", "error", err, "file", cfg.File)
		slog.SetDefault(l)
		return l, func() error { return nil }
	}

	l := NewWithWriters(os.Stderr, file, cfg.Format, level)
	slog.SetDefault(l)
	return l, file.Close
}

// NewWithWriters fans out to a console handler and a JSON handler (for testing and files).
func NewWithWriters(console, file io.Writer, format string, level slog.Level) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(handlerFor(console, format, level), fileHandler))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

func handlerFor(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
