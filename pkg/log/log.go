// Package log provides structured logging for NetRaven using zerolog.
// Msg and the level helpers (Info, Debug, Warn, Error, Errorf, Fatal)
// pass the message through the package-wide redaction filter before
// it reaches its sink; records written directly on Logger or on the
// With* child loggers are not filtered. See pkg/redact for the filter
// itself.
package log

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netraven/netraven/pkg/redact"
)

// Logger is the global logger instance, initialized by Init.
var Logger zerolog.Logger

// Level represents a configured log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level             Level
	JSONOutput        bool
	Output            io.Writer
	RedactionPatterns []string
}

var activeFilter *redact.Filter

// Init initializes the global logger and its redaction hook.
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	filter, err := redact.New(cfg.RedactionPatterns)
	if err != nil {
		return err
	}
	activeFilter = filter

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var base zerolog.Logger
	if cfg.JSONOutput {
		base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	Logger = base
	return nil
}

// SetRedactionPatterns recompiles the active redaction filter, used by
// the config hot-reload path.
func SetRedactionPatterns(patterns []string) error {
	if activeFilter == nil {
		f, err := redact.New(patterns)
		if err != nil {
			return err
		}
		activeFilter = f
		return nil
	}
	return activeFilter.SetExtraPatterns(patterns)
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobRunID creates a child logger tagged with a job run id.
func WithJobRunID(id uuid.UUID) zerolog.Logger {
	return Logger.With().Str("job_run_id", id.String()).Logger()
}

// WithDeviceID creates a child logger tagged with a device id.
func WithDeviceID(id uuid.UUID) zerolog.Logger {
	return Logger.With().Str("device_id", id.String()).Logger()
}

// Msg logs msg at info level after passing it through the redaction
// filter. Components that emit JobLogEntry rows go through
// pkg/logstream instead, which applies the same filter to the durable
// row and the published message in one place; Msg exists for the
// daemon's own operational logging (startup, shutdown, config reload).
func Msg(logger zerolog.Logger, level zerolog.Level, msg string) {
	if activeFilter != nil {
		msg = activeFilter.String(msg)
	}
	logger.WithLevel(level).Msg(msg)
}

func Info(msg string) {
	Msg(Logger, zerolog.InfoLevel, msg)
}

func Debug(msg string) {
	Msg(Logger, zerolog.DebugLevel, msg)
}

func Warn(msg string) {
	Msg(Logger, zerolog.WarnLevel, msg)
}

func Error(msg string) {
	Msg(Logger, zerolog.ErrorLevel, msg)
}

func Errorf(format string, err error) {
	if activeFilter != nil {
		format = activeFilter.String(format)
	}
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	if activeFilter != nil {
		msg = activeFilter.String(msg)
	}
	Logger.Fatal().Msg(msg)
}
