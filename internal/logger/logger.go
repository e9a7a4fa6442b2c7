// Package logger is a thin, process-wide wrapper around zap. It exposes a
// single global logger with a dynamically adjustable level so every
// daemon task (scheduler, pollers, pipeline, HTTP server) shares one
// configuration without threading a *zap.Logger through every call site.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu         sync.Mutex
	log        *zap.Logger
	logLevel   = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg = defaultEncoderConfig()
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05Z07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLocked recreates the global logger core. Caller must hold mu.
func rebuildLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(os.Stderr))))
}

// Init configures the global logger's level. Valid values: debug, info
// (default), warn, error; comparison is case-insensitive.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}
	rebuildLocked()
}

// Logger returns the current *zap.Logger, lazily building it on first use.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		rebuildLocked()
	}
	return log
}

// IsDebugEnabled reports whether debug-level logging is currently enabled.
func IsDebugEnabled() bool { return Logger().Level() <= zap.DebugLevel }

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs at fatal level, flushes buffers, and exits the process.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Error(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}
