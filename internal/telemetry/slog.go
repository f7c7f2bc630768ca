package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds the process logger from the logging configuration
// and installs it as the slog default. format "json" selects the JSON
// handler; anything else gets the text handler. level accepts debug,
// info, warn, and error (case-insensitive) and defaults to info; debug
// additionally annotates records with source locations.
func SetupLogger(format, level string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
