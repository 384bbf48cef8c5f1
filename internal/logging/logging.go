package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Cfg struct {
	Level string
	JSON  bool
}

// Build returns the process logger, named "agentweb". Console output uses the
// development encoder so frames and envelopes stay readable.
func Build(c Cfg) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if !c.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Named("agentweb"), nil
}

// New is Build that falls back to a no-op logger.
func New(c Cfg) *zap.Logger {
	l, err := Build(c)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
