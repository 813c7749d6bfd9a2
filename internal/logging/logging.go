// Package logging builds the structured logger shared by tether components.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type contextKey struct{}

// Options controls logger construction.
type Options struct {
	Level   string
	Format  string
	File    string
	Stderr  bool
	Context string // execution context name attached to every record
}

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// OrDefault returns logger, or slog.Default when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New creates a logger from opts. The returned cleanup closes the log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	writers := make([]io.Writer, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}
	if strings.TrimSpace(opts.File) != "" {
		file, openErr := openLogFile(opts.File)
		if openErr != nil {
			return nil, nil, openErr
		}
		writers = append(writers, file)
		closers = append(closers, file)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		for _, closer := range closers {
			_ = closer.Close()
		}
		return nil, nil, fmt.Errorf("invalid log format: %q (allowed: text, json)", opts.Format)
	}

	logger := slog.New(handler)
	if name := strings.TrimSpace(opts.Context); name != "" {
		logger = logger.With(slog.String("context", name))
	}

	cleanup := func() error {
		var firstErr error
		for _, closer := range closers {
			if closeErr := closer.Close(); closeErr != nil && firstErr == nil {
				firstErr = closeErr
			}
		}
		return firstErr
	}
	return logger, cleanup, nil
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %q (allowed: debug, info, warn, error)", value)
	}
}

func openLogFile(path string) (*os.File, error) {
	cleanPath := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create log file directory: %w", err)
	}
	file, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}
