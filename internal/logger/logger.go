// internal/logger/logger.go
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with service context
type Logger struct {
	service string
	logger  *slog.Logger
}

// New creates a new logger instance for a service, writing JSON to stdout
func New(service string) *Logger {
	return NewWithOptions(service, os.Stdout, "info", true)
}

// NewWithOptions creates a logger with an explicit writer, level and format
func NewWithOptions(service string, w io.Writer, level string, json bool) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{
		service: service,
		logger:  slog.New(handler).With("service", service),
	}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithOptions("test", io.Discard, "error", false)
}

// With returns a child logger that always carries the given key/value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{service: l.service, logger: l.logger.With(keyvals...)}
}

// Slog exposes the underlying slog logger for libraries that take one
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Info logs an info message
func (l *Logger) Info(message string, keyvals ...interface{}) {
	l.logger.Info(message, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(message string, keyvals ...interface{}) {
	l.logger.Error(message, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	l.logger.Warn(message, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	l.logger.Debug(message, keyvals...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	l.logger.Error(message, keyvals...)
	os.Exit(1)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
