package dbpool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leaderlink/engage/internal/config"
)

// New builds a pgx pool from the database URL with limits taken from the
// config section.
func New(ctx context.Context, databaseURL string, dbCfg config.Database) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns := dbCfg.MinConns
	maxConns := dbCfg.MaxConns
	if minConns < 0 {
		minConns = 0
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	if dbCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	}
	if dbCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = dbCfg.MaxConnIdleTime
	}
	if dbCfg.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}
