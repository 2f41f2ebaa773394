package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS watch_items (
    id BIGSERIAL PRIMARY KEY,
    sku TEXT NOT NULL,
    canal TEXT NOT NULL,
    rol TEXT NOT NULL,
    url TEXT NOT NULL,
    competitor_name TEXT NOT NULL DEFAULT '',
    frecuencia_minutos INTEGER NOT NULL DEFAULT 60,
    umbral_gap NUMERIC(8,4) NOT NULL DEFAULT 0,
    activo BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (sku, canal, rol, competitor_name)
);

CREATE TABLE IF NOT EXISTS observations (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL,
    sku TEXT NOT NULL,
    canal TEXT NOT NULL,
    rol TEXT NOT NULL,
    competitor_name TEXT NOT NULL DEFAULT '',
    price NUMERIC(12,2),
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_observations_identity
    ON observations (sku, canal, rol, competitor_name, observed_at DESC);

CREATE TABLE IF NOT EXISTS gap_verdicts (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL,
    sku TEXT NOT NULL,
    canal TEXT NOT NULL,
    competitor_name TEXT NOT NULL,
    own_price NUMERIC(12,2) NOT NULL,
    competitor_price NUMERIC(12,2) NOT NULL,
    gap_ratio NUMERIC(8,4) NOT NULL,
    umbral NUMERIC(8,4) NOT NULL,
    exceeds BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_gap_verdicts_created ON gap_verdicts (created_at);

CREATE TABLE IF NOT EXISTS alerts (
    id BIGSERIAL PRIMARY KEY,
    sku TEXT NOT NULL,
    canal TEXT NOT NULL,
    competitor_name TEXT NOT NULL,
    own_price NUMERIC(12,2),
    competitor_price NUMERIC(12,2),
    gap_ratio NUMERIC(8,4) NOT NULL,
    umbral NUMERIC(8,4) NOT NULL,
    severity TEXT NOT NULL,
    state TEXT NOT NULL,
    first_seen_at TIMESTAMPTZ NOT NULL,
    last_seen_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ,
    run_id TEXT NOT NULL,
    url_own TEXT NOT NULL DEFAULT '',
    url_competitor TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_key
    ON alerts (sku, canal, competitor_name) WHERE state = 'open';
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
