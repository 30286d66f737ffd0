// Package monitoring carries the ambient observability stack: the
// zerolog root logger and the prometheus collectors.
package monitoring

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects level and output format.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty, text
}

// NewLogger builds the root structured logger. Components derive their
// own with logger.With().Str("component", ...).
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "pretty":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: time.RFC3339})
	default:
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Logger()
}
