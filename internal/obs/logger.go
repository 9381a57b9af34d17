// Copyright 2025 James Ross
package obs

import (
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    return NewLoggerToFile(level, "")
}

// NewLoggerToFile builds a JSON zap.Logger at the given level. When
// logFile is non-empty, output is written through a lumberjack rotating
// writer (100MB/3 backups/28 days) instead of stderr, the way the
// teacher's audit logger rotates its own log files.
func NewLoggerToFile(level, logFile string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }

    if logFile == "" {
        cfg := zap.NewProductionConfig()
        cfg.Level = zap.NewAtomicLevelAt(lvl)
        cfg.Encoding = "json"
        return cfg.Build()
    }

    encoderCfg := zap.NewProductionEncoderConfig()
    encoderCfg.TimeKey = "ts"
    encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
    writer := zapcore.AddSync(&lumberjack.Logger{
        Filename:   logFile,
        MaxSize:    100,
        MaxBackups: 3,
        MaxAge:     28,
        Compress:   true,
    })
    core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, lvl)
    return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
