// Package logging builds the process logger. Components receive a
// *zap.Logger by injection and derive named category loggers
// (logger.Named("engine"), logger.Named("store"), ...).
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"planpilot/internal/config"
)

// Logger wraps a zap logger with an atomic level so the level can follow
// config reloads at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New constructs a logger from config.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = atomic

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{Logger: logger, level: atomic}, nil
}

// SetLevel adjusts the level at runtime. Unknown levels are ignored.
func (l *Logger) SetLevel(level string) {
	parsed, err := parseLevel(level)
	if err != nil {
		l.Warn("ignoring invalid log level", zap.String("level", level))
		return
	}
	l.level.SetLevel(parsed)
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
