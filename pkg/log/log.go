// Package log builds the slog loggers handed to every component.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
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

// Setup installs a text handler on stderr as the process default.
func Setup(logLevel string) {
	slog.SetDefault(New(logLevel, "text"))
}

// New builds a logger on stderr. format is "json" or "text".
func New(logLevel, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, logLevel, format)
}

func NewWithWriter(w io.Writer, logLevel, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func WithModule(logger *slog.Logger, module string) *slog.Logger {
	return logger.With("module", module)
}

// Discard is a logger for tests and disabled components.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
