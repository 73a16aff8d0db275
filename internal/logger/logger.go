package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Production environments get JSON output
// with ISO8601 timestamps; everything else gets the console encoder.
func New(env, level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var cfg zap.Config
	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Must is New for command entry points, falling back to a production logger
// when the configuration is unusable.
func Must(env, level string) *zap.SugaredLogger {
	l, err := New(env, level)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Sugar().Warnw("falling back to default logger", "error", err)
		return fallback.Sugar()
	}
	return l
}
