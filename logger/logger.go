// Package logger sets up the application's structured logging with zap.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to stderr. Mode is "production" or
// "development"; level is any zap level name (debug, info, warn, error,
// fatal).
func New(mode, level string) (*zap.Logger, error) {
	cfg, err := baseConfig(mode, level)
	if err != nil {
		return nil, err
	}
	return cfg.Build()
}

// NewFile creates a logger appending to the given file path
func NewFile(path, mode, level string) (*zap.Logger, error) {
	cfg, err := baseConfig(mode, level)
	if err != nil {
		return nil, err
	}
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	return cfg.Build()
}

func baseConfig(mode, level string) (zap.Config, error) {
	var cfg zap.Config
	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return cfg, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return cfg, fmt.Errorf("invalid logging level: %s", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	return cfg, nil
}
