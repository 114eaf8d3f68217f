// Package main is the entry point for the worklist server.
package main

import (
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openmwl/worklist-server/cmd/worklistd/app"
	"github.com/openmwl/worklist-server/internal/config"
)

// getLogLevel parses the MWL_LOG_LEVEL environment variable, falling back to
// LOG_LEVEL. Defaults to info when unset or invalid.
func getLogLevel() zapcore.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	levelStr := v.GetString("LOG_LEVEL")
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger() *zap.Logger {
	// Log to stderr to keep stdout clean for commands that output data
	// (e.g., version --format json).
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel())
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	if err := app.NewRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}
