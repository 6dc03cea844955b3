// Package logging provides the structured logger shared by every
// component. It keeps the keysAndValues calling convention the rest of
// the codebase is written against while delegating formatting,
// leveling, and output to zap.
package logging

import (
	"go.uber.org/zap"
)

// Logger wraps a zap.SugaredLogger with a component prefix.
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger scoped to prefix (typically a
// component or service name).
func NewLogger(prefix string) *Logger {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	return &Logger{
		prefix: prefix,
		sugar:  base.Sugar().With("component", prefix),
	}
}

// NewDevelopmentLogger creates a logger with human-readable console
// output, used when log verbosity is set to debug at boot.
func NewDevelopmentLogger(prefix string) *Logger {
	base, err := zap.NewDevelopment()
	if err != nil {
		base = zap.NewNop()
	}
	return &Logger{
		prefix: prefix,
		sugar:  base.Sugar().With("component", prefix),
	}
}

// With returns a child logger carrying additional persistent fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		sugar:  l.sugar.With(keysAndValues...),
	}
}

// Info logs an informational event with key-value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning event with key-value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error event with key-value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Debug logs a debug-level event with key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}
