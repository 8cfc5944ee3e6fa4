// Package postgres stores ban lists and population samples in PostgreSQL
// using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/config"
)

// connectAttempts bounds how often Open pings a database that is still
// starting up.
const connectAttempts = 5

// Pool owns the pgx connection pool shared by the repositories.
type Pool struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, retrying the initial ping with a doubling
// delay.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a Pool that answered a ping, or a non-nil error.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
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

	delay := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			pool.Close()
			return nil, fmt.Errorf("pinging database after %d attempts: %w", attempt, err)
		}
		logger.Warn("database not ready",
			zap.String("host", cfg.Host),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("connecting to database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	logger.Info("database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
	)
	return &Pool{pool: pool}, nil
}

// Wrap adopts an existing pgx pool.
func Wrap(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Health reports whether the database answers a ping within timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	return nil
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
