package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool for the application database.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// Migration is a named SQL migration.
type Migration struct {
	Name string
	SQL  string
}

// RunMigrations executes all pending migrations in order, tracking them in
// the _migrations table.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, migration := range migrations {
		var count int
		err := pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE name = $1",
			migration.Name,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", migration.Name, err)
		}

		if count > 0 {
			slog.Debug("migration already executed", "name", migration.Name)
			continue
		}

		slog.Info("running migration", "name", migration.Name)
		if _, err := pool.Exec(ctx, migration.SQL); err != nil {
			return fmt.Errorf("executing migration %s: %w", migration.Name, err)
		}

		if _, err := pool.Exec(ctx,
			"INSERT INTO _migrations (name) VALUES ($1)",
			migration.Name,
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", migration.Name, err)
		}
	}

	return nil
}
