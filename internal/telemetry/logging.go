// Package telemetry wires up structured logging for the gateway process.
//
// Grounded on cmd/cryptorun/main.go's zerolog initialization: a single
// process-wide base logger configured once at startup, handed to every
// component as a value rather than read back out of a global.
package telemetry

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/sawpanic/vortexgw/internal/config"
)

// NewLogger builds the base logger for the process. When the config leaves
// the format empty, console output is chosen if stderr is a TTY and JSON
// otherwise, mirroring cmd/cryptorun's TTY-aware CLI behavior; a configured
// format is used as given.
func NewLogger(cfg *config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := cfg.Format
	if format == "" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		} else {
			format = "json"
		}
	}

	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}

	return logger
}
