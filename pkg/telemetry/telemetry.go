// Package telemetry provides structured logging setup for the correlation
// pipeline and its binaries.
package telemetry

import (
	"log/slog"
	"os"
)

// Config holds logging configuration.
type Config struct {
	ServiceName string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string // json, text
}

// NewLogger builds the service logger and installs it as the slog default.
func NewLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"env", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}
