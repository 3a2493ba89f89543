// Package db provides database connection helpers.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool creates and verifies a pgxpool connection pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "jobwatch"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return pool, nil
}

// schema holds the snapshot table of every watched job.
const schema = `
CREATE TABLE IF NOT EXISTS job_watches (
	id             uuid        PRIMARY KEY,
	kind           text        NOT NULL,
	backend_job_id text        NOT NULL,
	start_key      text        NOT NULL,
	subject_id     text        NOT NULL DEFAULT '',
	status         text        NOT NULL,
	progress       integer     NOT NULL DEFAULT 0,
	counters       jsonb       NOT NULL DEFAULT '{}'::jsonb,
	total          integer     NOT NULL DEFAULT 0,
	error_message  text        NOT NULL DEFAULT '',
	outcome        text        NOT NULL DEFAULT '',
	created_at     timestamptz NOT NULL DEFAULT NOW(),
	updated_at     timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS job_watches_active_idx ON job_watches (outcome) WHERE outcome = '';
`

// EnsureSchema creates the job_watches table when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
