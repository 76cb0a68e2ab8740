package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and the static fields stamped on every line.
type Options struct {
	Level       string
	Service     string
	Role        string
	Environment string
}

// New constructs a zap.Logger configured for structured JSON logging.
func New(opts Options) (*zap.Logger, error) {
	zapLevel := zapcore.InfoLevel
	if err := zapLevel.Set(strings.ToLower(opts.Level)); err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: opts.Environment == "development",
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	var fields []zap.Field
	if opts.Service != "" {
		fields = append(fields, zap.String("service", opts.Service))
	}
	if opts.Role != "" {
		fields = append(fields, zap.String("role", opts.Role))
	}
	if opts.Environment != "" {
		fields = append(fields, zap.String("env", opts.Environment))
	}

	logr, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logr.Named(opts.Role).With(fields...), nil
}
