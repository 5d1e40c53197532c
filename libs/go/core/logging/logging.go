package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger on stdout. JSON if SWARM_JSON_LOG=1/true/json else text.
func Init(service string) *slog.Logger {
	return InitWriter(service, os.Stdout)
}

// InitWriter is Init with an explicit destination; CLI commands that print
// results on stdout log to stderr instead.
func InitWriter(service string, w io.Writer) *slog.Logger {
	json := jsonFromEnv()
	opts := &slog.HandlerOptions{AddSource: false, Level: ParseLevel(os.Getenv("SWARM_LOG_LEVEL"))}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Debug("logging initialized", "json", json)
	return logger
}

func jsonFromEnv() bool {
	switch strings.ToLower(os.Getenv("SWARM_JSON_LOG")) {
	case "1", "true", "json":
		return true
	}
	return false
}

// ParseLevel maps debug/warn/error/info to a slog level; anything else is info.
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
