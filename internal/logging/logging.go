package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// NewLogger constructs a zerolog logger from config. Logs go to stderr so
// commands can write CSV and tables to stdout.
func NewLogger(cfg Config, service string) zerolog.Logger {
	return newLogger(cfg, service, os.Stderr)
}

func newLogger(cfg Config, service string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if service != "" {
		builder = builder.Str("service", service)
	}
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
