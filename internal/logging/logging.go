// Package logging builds the zap.Logger used across the broker, agent SDK,
// and CLI, with a development/production config split and level mapping.
package logging

import "go.uber.org/zap"

// New builds a *zap.Logger for level ("debug", "info", "warn", "error").
// development selects zap's human-readable console encoder; otherwise the
// JSON production encoder is used.
func New(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
