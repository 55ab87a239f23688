// Package logger owns the process-wide zap logger. Components receive a
// *zap.Logger (usually Named) and never reach for the global directly.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a global logger instance
var Logger *zap.Logger

var (
	fallbackOnce sync.Once
	fallback     *zap.Logger
)

// Init initializes the global logger. Production logs JSON at info,
// anything else logs colored console output at debug. LOG_LEVEL overrides
// the level in both modes.
func Init(env string) error {
	config, err := Config(env, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}
	Logger, err = config.Build()
	return err
}

// Config returns the zap configuration Init builds from
func Config(env, level string) (zap.Config, error) {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return zap.Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	return config, nil
}

// Sync flushes any buffered log entries
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Get returns the global logger, or a shared development logger before
// Init has run
func Get() *zap.Logger {
	if Logger != nil {
		return Logger
	}
	fallbackOnce.Do(func() {
		fallback, _ = zap.NewDevelopment()
		if fallback == nil {
			fallback = zap.NewNop()
		}
	})
	return fallback
}

// Named returns a child of the global logger scoped to a component
// (e.g. "session", "detect"), so log lines can be filtered per subsystem.
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// OrNop returns l, or a no-op logger when l is nil. Constructors use it so
// callers and tests may pass nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
