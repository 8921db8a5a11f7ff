/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package log provides structured logging used across the module.
// Libraries accept log.FieldLogger and never log raw credentials.
package log

import (
	"fmt"
	"os"

	"github.com/ssgreg/logf"
)

// Field is a single structured logging field.
type Field = logf.Field

// LogFunc logs a message with a bound level.
// nolint: revive
type LogFunc = logf.LogFunc

// CloseFunc flushes and closes the asynchronous writer of the logger.
type CloseFunc logf.ChannelWriterCloseFunc

// Field constructors.
var (
	Error    = logf.Error
	String   = logf.String
	Bytes    = logf.Bytes
	Int      = logf.Int
	Int64    = logf.Int64
	Duration = logf.Duration
)

// FieldLogger is the logger interface accepted by all packages of the module.
type FieldLogger interface {
	With(...Field) FieldLogger
	WithLevel(level Level) FieldLogger

	Debug(string, ...Field)
	Info(string, ...Field)
	Warn(string, ...Field)
	Error(string, ...Field)

	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})

	AtLevel(Level, func(LogFunc))
}

// NewLogger builds a logger from the configuration.
// Entries are written asynchronously, so the returned CloseFunc must be called before exit.
// Unless cfg.MaskCredentials is false, credentials are masked in all logged messages and fields.
func NewLogger(cfg *Config) (FieldLogger, CloseFunc) {
	channel, closeFunc := logf.NewChannelWriter(logf.ChannelWriterConfig{
		Appender:          newAppender(cfg),
		EnableSyncOnError: true,
	})
	logfLogger := logf.NewLogger(logfLevel(cfg.Level), channel).With(logf.Int("pid", os.Getpid()))
	if cfg.AddCaller {
		// Skip the adapter frame.
		logfLogger = logfLogger.WithCaller().WithCallerSkip(1)
	}
	var logger FieldLogger = &LogfAdapter{logfLogger}
	if cfg.MaskCredentials {
		logger = NewMaskingLogger(logger, NewCredentialMasker())
	}
	return logger, CloseFunc(closeFunc)
}

// NewDisabledLogger returns a logger that discards everything.
func NewDisabledLogger() FieldLogger {
	return &LogfAdapter{logf.NewDisabledLogger()}
}

// LogfAdapter implements FieldLogger on top of logf.Logger.
type LogfAdapter struct {
	Logger *logf.Logger
}

// With returns a derived logger with the given fields.
func (l *LogfAdapter) With(fs ...Field) FieldLogger {
	return &LogfAdapter{l.Logger.With(fs...)}
}

// WithLevel returns a derived logger which ignores entries below both the given and the current level.
func (l *LogfAdapter) WithLevel(level Level) FieldLogger {
	return &LogfAdapter{l.Logger.WithLevel(logfLevel(level))}
}

// Debug logs at "debug" level.
func (l *LogfAdapter) Debug(s string, fields ...Field) { l.Logger.Debug(s, fields...) }

// Info logs at "info" level.
func (l *LogfAdapter) Info(s string, fields ...Field) { l.Logger.Info(s, fields...) }

// Warn logs at "warn" level.
func (l *LogfAdapter) Warn(s string, fields ...Field) { l.Logger.Warn(s, fields...) }

// Error logs at "error" level.
func (l *LogfAdapter) Error(s string, fields ...Field) { l.Logger.Error(s, fields...) }

// Debugf logs a formatted message at "debug" level.
func (l *LogfAdapter) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args) }

// Infof logs a formatted message at "info" level.
func (l *LogfAdapter) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args) }

// Warnf logs a formatted message at "warn" level.
func (l *LogfAdapter) Warnf(format string, args ...interface{}) { l.logf(LevelWarn, format, args) }

// Errorf logs a formatted message at "error" level.
func (l *LogfAdapter) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args) }

// AtLevel calls fn only if the level is enabled.
func (l *LogfAdapter) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.Logger.AtLevel(logfLevel(level), fn)
}

// logf formats lazily, only when the level is enabled.
func (l *LogfAdapter) logf(level Level, format string, args []interface{}) {
	l.AtLevel(level, func(write LogFunc) {
		write(fmt.Sprintf(format, args...))
	})
}

func logfLevel(value Level) logf.Level {
	switch value {
	case LevelError:
		return logf.LevelError
	case LevelWarn:
		return logf.LevelWarn
	case LevelDebug:
		return logf.LevelDebug
	default:
		return logf.LevelInfo
	}
}
