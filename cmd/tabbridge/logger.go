package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tabbridge/internal/config"
)

// newLogger builds the process logger. stdout carries the protocol, so the
// destination is the configured file or stderr.
func newLogger(cfg config.ServerConfig, verbose bool) (*zap.Logger, error) {
	dest := cfg.LogFile
	if dest == "" {
		dest = "stderr"
	}
	if dest == "stdout" || dest == "/dev/stdout" {
		return nil, errors.New("log output must not be stdout")
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("server.log_level: %w", err)
		}
		level = parsed
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{dest}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Named(cfg.Name), nil
}
