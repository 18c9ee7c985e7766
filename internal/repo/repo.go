package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies the postgres migrations found in filesystem.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "postgres")
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	return ApplyMigrations(ctx, r.pool, sub)
}

// UpsertSession creates or refreshes the sender's activity timestamp.
func (r *PostgresRepository) UpsertSession(ctx context.Context, sender string, lastActive time.Time) error {
	const q = `
INSERT INTO sessions (sender, last_active_at)
VALUES ($1, $2)
ON CONFLICT (sender) DO UPDATE SET last_active_at = EXCLUDED.last_active_at;
`
	if _, err := r.pool.Exec(ctx, q, sender, lastActive.UTC()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// DeleteSession removes the sender's session record.
func (r *PostgresRepository) DeleteSession(ctx context.Context, sender string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE sender = $1`, sender); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns every known sender with its last activity.
func (r *PostgresRepository) ListSessions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.pool.Query(ctx, `SELECT sender, last_active_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var sender string
		var at time.Time
		if err := rows.Scan(&sender, &at); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[sender] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
