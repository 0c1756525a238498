// Package shepherdlog builds the structured zap logger shared by the
// supervisor and wrapper binaries, grounded on
// provider-daemon/cmd/daemon/main.go's setupLogger: a JSON file core
// teed with a human-readable console core.
package shepherdlog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger at the given level, writing JSON records to
// <logDir>/<component>.log and human-readable records to stderr. If
// logDir cannot be created, it falls back to console-only logging rather
// than failing startup.
func New(levelString, logDir, component string) (*zap.Logger, error) {
	level := parseLevel(levelString)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoderCfg.TimeKey = "ts"
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger := zap.New(consoleCore, zap.AddCaller())
		logger.Warn("failed to create log directory, logging to console only",
			zap.String("dir", logDir), zap.Error(err))
		return logger, nil
	}

	logPath := filepath.Join(logDir, component+".log")
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shepherdlog: open %s: %w", logPath, err)
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(zapcore.Lock(file)),
		level,
	)

	tee := zapcore.NewTee(fileCore, consoleCore)
	return zap.New(tee, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
