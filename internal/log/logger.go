package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the API logger. Production logs at info, everything else at
// debug.
func New(environment string) zerolog.Logger {
	logger := newLogger(os.Stdout, environment)

	if environment != "production" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logger
}

// NewWorker returns the worker logger with an explicit level.
func NewWorker(environment, level string) zerolog.Logger {
	logger := newLogger(os.Stdout, environment).With().Str("component", "worker").Logger()
	zerolog.SetGlobalLevel(ParseLevel(level))
	return logger
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func newLogger(out io.Writer, environment string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("env", environment).
		Logger()
}
