// Package log provides the logging abstraction used across fieldgate.
//
// It defines a small Logger interface with structured fields. A zerolog
// adapter is the default implementation; a no-op logger is provided for
// tests and for components that run without logging configured.
package log

import "time"

// Logger provides structured logging capabilities.
type Logger interface {
	// Debug logs a debug-level message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info-level message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning-level message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error-level message with fields.
	Error(msg string, fields ...Field)
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Uint64 creates a uint64 field.
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a bool field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field with key "error".
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// With returns a Logger that prepends fields to every entry.
func With(logger Logger, fields ...Field) Logger {
	if len(fields) == 0 {
		return logger
	}
	return &fieldLogger{inner: logger, fields: fields}
}

type fieldLogger struct {
	inner  Logger
	fields []Field
}

func (l *fieldLogger) all(fields []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l *fieldLogger) Debug(msg string, fields ...Field) { l.inner.Debug(msg, l.all(fields)...) }
func (l *fieldLogger) Info(msg string, fields ...Field)  { l.inner.Info(msg, l.all(fields)...) }
func (l *fieldLogger) Warn(msg string, fields ...Field)  { l.inner.Warn(msg, l.all(fields)...) }
func (l *fieldLogger) Error(msg string, fields ...Field) { l.inner.Error(msg, l.all(fields)...) }
