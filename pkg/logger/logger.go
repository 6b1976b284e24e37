// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New builds the service logger. env "prod" selects JSON output; level, when
// non-empty and valid, overrides the default level of that preset.
func New(env, level string) Sugared {
	zc := zap.NewDevelopmentConfig()
	if env == "prod" {
		zc = zap.NewProductionConfig()
	}
	if level != "" {
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			zc.Level = lvl
		}
	}
	z, err := zc.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return z.Sugar().With("service", "switchboard")
}
