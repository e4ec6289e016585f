package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation limits.
const (
	fileMaxSizeMB  = 64
	fileMaxBackups = 3
)

// NewFileLogger returns a logger that writes to stdout like NewLogger and also appends JSON lines to
// path, rotating the file once it grows past fileMaxSizeMB.
func NewFileLogger(name, path string, level Level) Logger {
	config := NewLoggerConfig()
	atomicLevel := zap.NewAtomicLevelAt(level.AsZap())
	config.Level = atomicLevel

	fileEncoderConfig := config.EncoderConfig
	fileEncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			Compress:   true,
		}),
		atomicLevel,
	)

	base := zap.Must(config.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})))
	return &impl{
		name:  name,
		level: atomicLevel,
		sugar: base.Sugar().Named(name),
	}
}
