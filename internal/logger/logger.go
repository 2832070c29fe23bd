// Package logger builds the process-wide zap logger from LoggingConfig.
// Binaries call Initialize once at startup and pass the returned logger
// down; the package-level handle exists only for Sync on shutdown.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spendgate/spendgate/internal/config"
)

var global *zap.Logger

// Initialize configures zap from cfg and installs it as the global
// logger. Format "json" selects the production encoder; anything else
// gets the colored console encoder for local development.
func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		zc.OutputPaths = []string{cfg.OutputPath}
		zc.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	global = log
	zap.ReplaceGlobals(log)
	return log, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// Sync flushes buffered log entries. Safe to call before Initialize.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
