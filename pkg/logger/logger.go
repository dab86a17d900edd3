// Package logger is a thin wrapper around zap used by every component.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field is a structured log field
type Field = zap.Field

// Config contains the logger settings
type Config struct {
	Level      string // "debug", "info", "warn" or "error"
	Format     string // "console" or "json"
	File       string // Optional log file, rotated by size
	MaxSizeMB  int    // Rotation size for File
	MaxBackups int    // Number of rotated files to keep
}

// Logger is the application logger
type Logger struct {
	zl *zap.Logger
}

// New creates a logger from cfg
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 64
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return &Logger{zl: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewNop returns a logger that discards everything, used by tests
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// ParseLevel maps a level name to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// Named returns a child logger with the given component name
func (l *Logger) Named(name string) *Logger {
	return &Logger{zl: l.zl.Named(name)}
}

// With returns a child logger carrying the given fields
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.zl.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.zl.Error(msg, fields...) }

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Field constructors
func String(key, val string) Field                 { return zap.String(key, val) }
func Int(key string, val int) Field                { return zap.Int(key, val) }
func Int64(key string, val int64) Field            { return zap.Int64(key, val) }
func Float64(key string, val float64) Field        { return zap.Float64(key, val) }
func Bool(key string, val bool) Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Time(key string, val time.Time) Field         { return zap.Time(key, val) }
func Error(err error) Field                        { return zap.Error(err) }
func Any(key string, val any) Field                { return zap.Any(key, val) }
