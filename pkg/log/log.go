// Package log is the process-wide structured logger. Every package logs through the
// helpers here so that the CLI can pick level and encoding once at startup.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the minimum severity that gets written.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the zap encoder.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var (
	globalLogger *zap.SugaredLogger
	globalMutex  sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format Format
	// Output defaults to stdout. Tests point it at a buffer.
	Output io.Writer
}

// DefaultConfig returns info-level console logging to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatConsole,
	}
}

// Init replaces the global logger.
func Init(cfg Config) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = logger
	return nil
}

// ParseLevel maps a flag value onto a zap level. Unknown values fall back to info.
func ParseLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn, "minimal":
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig(format Format) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatJSON {
		cfg.TimeKey = "ts"
		cfg.LevelKey = "level"
		cfg.NameKey = "logger"
		cfg.CallerKey = "caller"
		cfg.MessageKey = "msg"
		cfg.StacktraceKey = "stacktrace"
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	return cfg
}

func build(cfg Config) (*zap.SugaredLogger, error) {
	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatConsole, "":
		encoder = zapcore.NewConsoleEncoder(encoderConfig(FormatConsole))
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig(FormatJSON))
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), ParseLevel(cfg.Level))
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger.Sugar(), nil
}

// Get returns the global logger, creating a default one on first use.
func Get() *zap.SugaredLogger {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger
	}

	// Build outside the lock; Init takes the write lock too.
	fresh, _ := build(DefaultConfig())

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		return globalLogger
	}
	globalLogger = fresh
	return globalLogger
}

// Debug logs a debug message with key/value pairs.
func Debug(msg string, args ...interface{}) {
	Get().Debugw(msg, args...)
}

// Info logs an info message with key/value pairs.
func Info(msg string, args ...interface{}) {
	Get().Infow(msg, args...)
}

// Infof logs a formatted info message.
func Infof(template string, args ...interface{}) {
	Get().Infof(template, args...)
}

// Warn logs a warning with key/value pairs.
func Warn(msg string, args ...interface{}) {
	Get().Warnw(msg, args...)
}

// Error logs an error with key/value pairs.
func Error(msg string, args ...interface{}) {
	Get().Errorw(msg, args...)
}

// Fatal logs and exits.
func Fatal(msg string, args ...interface{}) {
	Get().Fatalw(msg, args...)
}

// With returns a child logger carrying the given fields.
func With(args ...interface{}) *zap.SugaredLogger {
	return Get().With(args...)
}

// Sync flushes buffered entries.
func Sync() error {
	globalMutex.RLock()
	logger := globalLogger
	globalMutex.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset drops the global logger. Used by tests.
func Reset() {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
