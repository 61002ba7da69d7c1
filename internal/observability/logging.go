// Package observability builds the broker's structured logger.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/lobby/internal/config"
)

// serviceName tags every entry so broker logs can be told apart in a shared sink.
const serviceName = "lobby"

// NewLogger creates the broker's root logger. Components derive named
// children from it (hub, ws, accounts, policy, postgres, health).
//
// Entries are never sampled.
//
// Precondition: cfg must be validated.
// Postcondition: Returns a logger carrying service and host fields, or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	if len(cfg.Outputs) > 0 {
		zapCfg.OutputPaths = append([]string(nil), cfg.Outputs...)
		zapCfg.ErrorOutputPaths = append([]string{"stderr"}, cfg.Outputs...)
	}

	fields := []zap.Field{zap.String("service", serviceName)}
	if host, err := os.Hostname(); err == nil {
		fields = append(fields, zap.String("host", host))
	}

	logger, err := zapCfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
