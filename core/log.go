// Package core holds the process-wide logger the storage adapter writes
// through. The adapter is a library, not a service: it logs sparingly
// (connection lifecycle, dropped change-stream bulks) and hosts that want
// the output somewhere else swap the logger in rather than configuring
// files or environment variables.
package core

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// current is swapped atomically so a host may replace the logger while
// storage instances are live.
var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(newDefault())
}

func newDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// L returns the logger currently in effect.
func L() *zap.Logger { return current.Load() }

// SetLogger replaces the logger for the whole process. Pass zap.NewNop()
// to silence the adapter entirely.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	current.Store(logger)
}

// Configure rebuilds the logger with the given minimum level. development
// switches to zap's console encoding; outputPaths, when non-empty,
// replaces the default stderr sink.
func Configure(level string, development bool, outputPaths ...string) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	current.Store(logger)
	return nil
}

// Debug logs at debug level through the current logger.
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Info logs at info level through the current logger.
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn logs at warn level through the current logger.
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs at error level through the current logger.
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// With derives a child logger carrying fields on every entry.
func With(fields ...zap.Field) *zap.Logger { return L().With(fields...) }

// Field constructors for the names this adapter logs under, so the same
// key never appears with two spellings across subsystems.

// Database names the database file (or in-memory name) an entry concerns.
func Database(filename string) zap.Field { return zap.String("database", filename) }

// Collection names the collection an entry concerns.
func Collection(name string) zap.Field { return zap.String("collection", name) }

// Table names the backing SQL table an entry concerns.
func Table(name string) zap.Field { return zap.String("table", name) }

// Subscriber identifies a change-stream subscription.
func Subscriber(id string) zap.Field { return zap.String("subscriber", id) }
