// Package database opens the configured store.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/promptplane/internal/config"
	"github.com/nikhilbhutani/promptplane/internal/store"
	"github.com/nikhilbhutani/promptplane/internal/store/postgres"
	"github.com/nikhilbhutani/promptplane/internal/store/postgres/migrations"
	"github.com/nikhilbhutani/promptplane/internal/store/sqlite"
)

func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Open connects to the configured driver and brings its schema up to date.
func Open(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(ctx, pool, migrations.FS); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("connected to postgres", "max_conns", cfg.MaxConns)
		return postgres.New(pool), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("opened sqlite store", "path", cfg.SQLitePath)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
