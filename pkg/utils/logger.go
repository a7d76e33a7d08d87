// Package utils provides shared logging setup.
package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log entry.
const ServiceName = "lcdetect"

// NewLogger returns a zap logger. When debug is true, uses development config
// (human-readable, debug level, per-image detector decisions); otherwise uses
// production config (JSON, info level).
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.InitialFields = map[string]interface{}{"service": ServiceName}
	return cfg.Build()
}

// LevelOf reports the lowest level l writes.
func LevelOf(l *zap.Logger) zapcore.Level {
	for lvl := zapcore.DebugLevel; lvl < zapcore.FatalLevel; lvl++ {
		if l.Core().Enabled(lvl) {
			return lvl
		}
	}
	return zapcore.FatalLevel
}
