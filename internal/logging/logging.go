// Package logging configures zerolog for the service. Components receive
// an injected logger; nothing here keeps "already logged" state, repeat
// noise is handled by sampling instead.
package logging

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Init builds the base logger. JSON on pipes, console on a terminal.
func Init(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.With().Timestamp().Logger()

	return logger.Level(parseLevel(level))
}

// Throttled wraps a logger with a burst sampler: at most burst events per
// interval, then one in every sampled events after that. Used for warnings
// that fire on every request while a dependency is down.
func Throttled(logger zerolog.Logger, interval time.Duration, burst uint32) zerolog.Logger {
	return logger.Sample(&zerolog.BurstSampler{
		Burst:       burst,
		Period:      interval,
		NextSampler: &zerolog.BasicSampler{N: 100},
	})
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
