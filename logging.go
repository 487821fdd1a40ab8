// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field represents a structured logging field with a key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging throughout the SPICE library.
type Logger interface {
	// Debug logs debug-level messages with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs info-level messages with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs warning-level messages with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs error-level messages with optional structured fields.
	Error(msg string, fields ...Field)

	// With creates a new logger instance with the provided fields pre-populated.
	With(fields ...Field) Logger
}

// NoOpLogger is a Logger implementation that discards all log messages.
type NoOpLogger struct{}

// Debug discards debug-level log messages.
func (l *NoOpLogger) Debug(msg string, fields ...Field) {
}

// Info discards info-level log messages.
func (l *NoOpLogger) Info(msg string, fields ...Field) {
}

// Warn discards warning-level log messages.
func (l *NoOpLogger) Warn(msg string, fields ...Field) {
}

// Error discards error-level log messages.
func (l *NoOpLogger) Error(msg string, fields ...Field) {
}

// With returns a new NoOpLogger instance (ignores fields).
func (l *NoOpLogger) With(fields ...Field) Logger {
	return &NoOpLogger{}
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	Logger zerolog.Logger
}

// NewZerologLogger creates a logger writing to w at the given level.
// When console is true the output is human readable instead of JSON.
func NewZerologLogger(w io.Writer, level string, console bool) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return &ZerologLogger{
		Logger: zerolog.New(w).Level(ParseLogLevel(level)).With().Timestamp().Logger(),
	}
}

// ParseLogLevel maps a textual level onto zerolog levels, defaulting to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func addFields(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			e = e.AnErr(f.Key, v)
		case string:
			e = e.Str(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	return e
}

// Debug logs a debug-level message with structured fields.
func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	addFields(l.Logger.Debug(), fields).Msg(msg)
}

// Info logs an info-level message with structured fields.
func (l *ZerologLogger) Info(msg string, fields ...Field) {
	addFields(l.Logger.Info(), fields).Msg(msg)
}

// Warn logs a warning-level message with structured fields.
func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	addFields(l.Logger.Warn(), fields).Msg(msg)
}

// Error logs an error-level message with structured fields.
func (l *ZerologLogger) Error(msg string, fields ...Field) {
	addFields(l.Logger.Error(), fields).Msg(msg)
}

// With creates a child logger carrying the provided fields on every entry.
func (l *ZerologLogger) With(fields ...Field) Logger {
	ctx := l.Logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{Logger: ctx.Logger()}
}
