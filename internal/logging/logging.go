// Package logging provides category-scoped printf logging on top of zap.
// All logging in the session engine goes through these wrappers.
package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategorySession    = "Session"
	CategoryTransport  = "Transport"
	CategoryLiveKit    = "LiveKit"
	CategoryCodec      = "Codec"
	CategoryTranscribe = "Transcribe"
	CategoryCompositor = "Compositor"
	CategoryCallAPI    = "CallAPI"
	CategoryStore      = "Store"
	CategoryControl    = "Control"
)

var (
	mu     sync.RWMutex
	sugar  = zap.NewNop().Sugar()
	logger = zap.NewNop()
)

// Init initializes logging at the given level ("debug", "info", "warn", "error").
// Console output is used when json is false.
func Init(level string, json bool) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return err
	}

	mu.Lock()
	logger = l
	sugar = l.Sugar()
	mu.Unlock()
	return nil
}

// Shutdown flushes buffered log entries.
func Shutdown(ctx context.Context) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	_ = l.Sync()
}

func log(level zapcore.Level, category, status, msg string, params ...interface{}) {
	mu.RLock()
	s := sugar
	mu.RUnlock()

	s = s.With("category", category)
	if status != "" {
		s = s.With("status", status)
	}
	s.Logf(level, msg, params...)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	log(zapcore.DebugLevel, category, "", msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	log(zapcore.InfoLevel, category, "", msg, params...)
}

// Success logs a success message.
func Success(category, msg string, params ...interface{}) {
	log(zapcore.InfoLevel, category, "success", msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	log(zapcore.WarnLevel, category, "", msg, params...)
}

// Fail logs a failure message.
func Fail(category, msg string, params ...interface{}) {
	log(zapcore.ErrorLevel, category, "fail", msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	log(zapcore.ErrorLevel, category, "", msg, params...)
}

// Catastrophe logs a catastrophe message.
func Catastrophe(category, msg string, params ...interface{}) {
	log(zapcore.ErrorLevel, category, "catastrophe", msg, params...)
}
