// Package logging configures zerolog for all clickless processes.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls log output for a process.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // "console" or "json"
	Out    io.Writer
}

// New builds the root logger for a process. Every service derives its own
// logger from this one via With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithRequestID binds a request id onto a logger when one is present.
// Request ids travel in message headers, not globals, so each task entry
// re-binds the field.
func WithRequestID(base zerolog.Logger, requestID string) zerolog.Logger {
	if requestID == "" {
		return base
	}
	return base.With().Str("request_id", requestID).Logger()
}
