// Package postgres provides the PostgreSQL account backend using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
)

// connectAttempts bounds how often NewPool retries the first ping while the
// database is still starting.
const connectAttempts = 5

// Pool is the pgx connection pool shared by the account repository and the
// health endpoint.
type Pool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPool connects to the database described by cfg, retrying the initial
// ping with doubling delays.
//
// Precondition: cfg must be validated; logger must be non-nil.
// Postcondition: Returns a pool that answered a ping, or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			pool.Close()
			return nil, fmt.Errorf("pinging database after %d attempts: %w", attempt, err)
		}
		logger.Warn("database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("pinging database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return &Pool{pool: pool, logger: logger}, nil
}

// Health reports whether the accounts table answers a query before ctx ends.
// It fails when the schema has not been migrated as well as when the server is down.
func (p *Pool) Health(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `SELECT 1 FROM accounts LIMIT 0`); err != nil {
		return fmt.Errorf("querying accounts: %w", err)
	}
	return nil
}

// Close logs the pool's final counters and releases every connection.
func (p *Pool) Close() {
	stat := p.pool.Stat()
	p.logger.Info("closing database pool",
		zap.Int32("total_conns", stat.TotalConns()),
		zap.Int64("acquire_count", stat.AcquireCount()),
		zap.Duration("acquire_duration", stat.AcquireDuration()),
	)
	p.pool.Close()
}
