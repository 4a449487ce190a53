// Package logging builds the shared zap logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a configured zap logger tagged with the service name.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "shopmetrics")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// StoreID returns a zap field for a store id.
func StoreID(id string) zap.Field { return zap.String("store_id", id) }

// JobName returns a zap field for a sync job name.
func JobName(name string) zap.Field { return zap.String("job", name) }

// RunID returns a zap field for a sync run id.
func RunID(id string) zap.Field { return zap.String("run_id", id) }

// Kind returns a zap field for a sync kind.
func Kind(kind string) zap.Field { return zap.String("kind", kind) }
