package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"anymail/internal/config"
)

func NewPool(ctx context.Context, db config.DBConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(db.DSN)
	if err != nil {
		return nil, err
	}
	if db.MaxConns > 0 {
		cfg.MaxConns = db.MaxConns
	}
	if db.MinConns > 0 {
		cfg.MinConns = db.MinConns
	}
	if db.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = db.MaxConnLifetime
	}
	if db.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = db.MaxConnIdleTime
	}
	if db.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = db.HealthCheckPeriod
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
