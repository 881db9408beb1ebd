package observ

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Pretty bool   // Enable pretty console output
}

// NewLogger creates a structured logger. Components derive their own child
// loggers via log.With().Str("component", ...).Logger().
func NewLogger(cfg LogConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}
