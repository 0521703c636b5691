package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger. format is "json" (production encoder)
// or "console" (development encoder, colored levels).
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg.Level = lvl

	return cfg.Build()
}
