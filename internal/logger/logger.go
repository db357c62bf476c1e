package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "pothole-service"

// New builds the process logger. Development gets human-readable console
// output at debug level, every other environment gets JSON at info level.
func New(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if env == "development" || env == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			Level(zerolog.DebugLevel).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return zerolog.New(os.Stdout).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}
