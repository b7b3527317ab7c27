// Package logging builds the loggers used across the pipeline.
package logging

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a production logger named name.
func NewLogger(name string) golog.Logger {
	return golog.NewLogger(name)
}

// NewDevelopmentLogger returns a human-readable debug-level logger.
func NewDevelopmentLogger(name string) golog.Logger {
	return golog.NewDevelopmentLogger(name)
}

// NewFileLogger logs at debug level to both the given file and stdout.
// Intended for field debugging, not production.
func NewFileLogger(filepath, name string) (golog.Logger, error) {
	logger, err := zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.DebugLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{filepath, "stdout"},
		ErrorOutputPaths:  []string{filepath, "stderr"},
	}.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().Named(name), nil
}
