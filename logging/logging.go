// Package logging configures the process-wide zerolog logger and carries
// request-scoped loggers through context.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn, error
	Environment string // development, production, test
	LogFile     string // optional file path for logs
}

// Init installs the global logger. The returned closer releases the log file,
// if one was opened.
func Init(cfg Config) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{os.Stdout}
	var file *os.File
	if cfg.LogFile != "" {
		file, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nopCloser{}, err
		}
		writers = append(writers, file)
	}

	if cfg.Environment == "development" || cfg.Environment == "dev" {
		writers[0] = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("service", "loyalty").
		Logger()

	if file == nil {
		return nopCloser{}, nil
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type contextKey struct{}

// FromContext returns the logger from context or the global logger
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok && l != nil {
		return l
	}
	return &log.Logger
}

// WithContext returns a context with the logger attached
func WithContext(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Component returns the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
