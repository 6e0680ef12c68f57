// Package logger is the process-wide logging facade. It keeps a printf-style
// API so call sites stay terse, backed by zap cores writing to the console
// and, optionally, a JSON log file.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *zap.SugaredLogger

// Initialize sets up the global logger. filePath may be empty, in which case
// a platform-appropriate default is chosen when file logging is enabled.
func Initialize(level string, useFileLog bool, filePath string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(normalizeLevel(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(zapcore.AddSync(os.Stdout)),
			zapLevel,
		),
	}

	if useFileLog {
		if filePath == "" {
			filePath = defaultLogFilePath()
		}
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "ts"
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.Lock(zapcore.AddSync(file)),
			zapLevel,
		))
	}

	globalLogger = zap.New(zapcore.NewTee(cores...), zap.AddCallerSkip(1)).Sugar()
	return nil
}

// normalizeLevel maps the config vocabulary onto zap's.
func normalizeLevel(level string) string {
	switch level {
	case "warning", "WARNING":
		return "warn"
	case "":
		return "info"
	}
	return level
}

// defaultLogFilePath returns the default log file location, preferring the
// system log directory when writable.
func defaultLogFilePath() string {
	paths := []string{
		"/var/log/dbpulse/agent.log",
		filepath.Join(os.Getenv("HOME"), ".dbpulse", "agent.log"),
	}

	for _, path := range paths {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err == nil {
			return path
		}
		if err := os.MkdirAll(dir, 0755); err == nil {
			return path
		}
	}

	return "dbpulse-agent.log"
}

// Close flushes buffered log entries.
func Close() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Debugf(format, args...)
	}
}

// Info logs an info message.
func Info(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Infof(format, args...)
	}
}

// Warning logs a warning message.
func Warning(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Warnf(format, args...)
	}
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Errorf(format, args...)
	}
}

// Fatal logs a fatal message and exits.
func Fatal(format string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Fatalf(format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
		os.Exit(1)
	}
}
