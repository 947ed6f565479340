package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a logger writing to stderr and, when file is set, to file.
func NewLogger(level, file string) (*zap.Logger, error) {
	return NewLoggerWithStderr(level, file, true)
}

// NewLoggerWithStderr creates a logger with optional stderr output.
// When includeStderr is false, logs only go to file (required in MCP mode over stdio).
func NewLoggerWithStderr(level, file string, includeStderr bool) (*zap.Logger, error) {
	lvl, off := parseLogLevel(level)
	if off {
		return zap.NewNop(), nil
	}

	var cores []zapcore.Core

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), lvl))
	}

	if includeStderr {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// parseLogLevel converts a string log level to a zap level; off reports "off".
func parseLogLevel(levelStr string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return zapcore.DebugLevel, false
	case "info", "":
		return zapcore.InfoLevel, false
	case "warn", "warning":
		return zapcore.WarnLevel, false
	case "error":
		return zapcore.ErrorLevel, false
	case "off":
		return zapcore.FatalLevel, true
	default:
		return zapcore.InfoLevel, false // Default to info if invalid
	}
}
