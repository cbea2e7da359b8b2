package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ranksheet-engine/internal/config"
)

// PoolConfigs derives the query pool and the keyword lock pool from runtime
// settings. A held advisory lock pins its connection until release, so lock
// connections never come out of the query pool.
func PoolConfigs(cfg config.DatabaseConfig) (query, locks *pgxpool.Config, err error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("database.dsn is required")
	}

	query, err = pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		query.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		query.MinConns = min(int32(cfg.MaxIdleConns), query.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		query.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		query.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	locks = query.Copy()
	locks.MinConns = 0
	if cfg.LockConns > 0 {
		locks.MaxConns = int32(cfg.LockConns)
	}
	return query, locks, nil
}

// NewPools opens the query pool and the keyword lock pool.
func NewPools(ctx context.Context, cfg config.DatabaseConfig) (query, locks *pgxpool.Pool, err error) {
	queryCfg, lockCfg, err := PoolConfigs(cfg)
	if err != nil {
		return nil, nil, err
	}

	query, err = pgxpool.NewWithConfig(ctx, queryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pgx pool: %w", err)
	}
	locks, err = pgxpool.NewWithConfig(ctx, lockCfg)
	if err != nil {
		query.Close()
		return nil, nil, fmt.Errorf("create lock pool: %w", err)
	}
	return query, locks, nil
}

// Open returns the PostgreSQL backend, or an in-process Memory backend when
// no DSN is configured.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Backend, error) {
	if cfg.DSN == "" {
		logger.Warn().Msg("database.dsn not set; using in-memory storage, nothing survives a restart")
		return NewMemory(), nil
	}
	query, locks, err := NewPools(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(query, locks, cfg.LockNamespace, logger), nil
}
