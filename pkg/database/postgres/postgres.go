package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewClient(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

// Jobs keep image_id without a foreign key so the audit trail outlives a
// deleted image.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		email TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS projects_user_id_idx ON projects (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS images (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		project_id UUID REFERENCES projects(id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL,
		url TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		processed_key TEXT,
		processed_url TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS images_user_id_idx ON images (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS images_project_id_idx ON images (project_id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		image_id UUID NOT NULL,
		status TEXT NOT NULL,
		steps TEXT[] NOT NULL CHECK (cardinality(steps) > 0),
		current_step TEXT,
		prompt TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		result JSONB NOT NULL DEFAULT '[]'::jsonb,
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_image_id_idx ON jobs (image_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at)`,
}

// RunMigrations creates the schema if it does not exist yet.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	for i, query := range migrations {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}
	return nil
}
