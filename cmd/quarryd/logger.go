package main

import (
	"log/slog"
	"os"
	"strings"
)

// initLogger configures the process-wide slog default. Priority for level
// and format: CLI flag, then LOG_LEVEL / LOG_FORMAT, then defaults.
func initLogger(cliLevel, cliFormat string) {
	level := cliLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	format := cliFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}

	var leveler slog.Level
	switch strings.ToLower(level) {
	case "debug":
		leveler = slog.LevelDebug
	case "warn":
		leveler = slog.LevelWarn
	case "error":
		leveler = slog.LevelError
	default:
		leveler = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: leveler}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
