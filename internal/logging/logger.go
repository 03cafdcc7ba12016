package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a JSON slog logger on stdout configured at the provided level.
// Every record carries the app name. An invalid level defaults to info.
func New(level, app string) *slog.Logger {
	return newLogger(os.Stdout, level, app)
}

func newLogger(w io.Writer, level, app string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(normalizeLevel(level))); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	if app != "" {
		logger = logger.With(slog.String("app", app))
	}
	return logger
}

// normalizeLevel accepts the python-style names still found in old .env files.
func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "warning":
		return "warn"
	case "critical", "fatal":
		return "error"
	}
	return level
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
