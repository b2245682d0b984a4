// Package logger configures the process-wide slog default logger.
package logger

import (
	"io"
	"log/slog"
)

// Init installs a default slog.Logger writing to w. Production deploys
// want JSON (machine-parseable); anything else falls back to a compact
// text handler, useful when running the demo binary on a terminal.
func Init(w io.Writer, level string, json bool) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
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
