// Package store persists worklist entries in PostgreSQL and provides the
// retry and transaction helpers shared by every writer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmwl/worklist-server/internal/config"
)

const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

// NewPool creates a pgx connection pool from the provided configuration and
// verifies connectivity with a ping.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("database port is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	if poolCfg.MaxConns == 0 {
		poolCfg.MaxConns = defaultMaxConns
	}
	poolCfg.MinConns = defaultMinConns
	poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout

	poolCfg.MaxConnLifetime = defaultConnMaxLifetime
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid connection max lifetime: %w", err)
		}
		poolCfg.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
