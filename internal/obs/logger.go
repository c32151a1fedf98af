// Copyright 2025 James Ross
package obs

import (
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// AuditConfig controls the rotated audit log built by NewAuditLogger,
// kept separate from the structured application log. cmd/orchestrator
// does not build this logger, so no job/task/batch transition is written
// to it.
type AuditConfig struct {
    Path       string
    MaxSizeMB  int
    MaxBackups int
    MaxAgeDays int
}

// NewAuditLogger returns a zap.Logger backed by a rotating file writer so
// the audit trail accumulates without unbounded disk growth.
func NewAuditLogger(cfg AuditConfig) *zap.Logger {
    writer := &lumberjack.Logger{
        Filename:   cfg.Path,
        MaxSize:    cfg.MaxSizeMB,
        MaxBackups: cfg.MaxBackups,
        MaxAge:     cfg.MaxAgeDays,
        Compress:   true,
    }
    encoderCfg := zap.NewProductionEncoderConfig()
    encoderCfg.TimeKey = "ts"
    encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
    core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), zapcore.InfoLevel)
    return zap.New(core)
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field { return zap.Int64(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
