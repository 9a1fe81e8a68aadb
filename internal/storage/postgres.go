package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/haasonsaas/notaryline/internal/retry"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (agent_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		client_id UUID NOT NULL REFERENCES clients(id),
		call_sid TEXT NOT NULL DEFAULT '',
		service_type TEXT NOT NULL DEFAULT '',
		time_hint TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		session_date TIMESTAMPTZ NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_call_sid_idx ON sessions (call_sid)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		session_id UUID NOT NULL REFERENCES sessions(id),
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		url TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

var postgres = dialect{
	name:     "postgres",
	schema:   postgresSchema,
	classify: classifyPostgres,
}

// OpenPostgres connects to Postgres using lib/pq.
func OpenPostgres(ctx context.Context, cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configurePool(db, cfg)
	if err := ping(ctx, db, cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	return newSQLStore(db, postgres, cfg), nil
}

// classifyPostgres marks integrity violations as permanent so they are not
// retried. Unique violations also match ErrAlreadyExists.
func classifyPostgres(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == "23505":
		return retry.Permanent(fmt.Errorf("%w: %s", ErrAlreadyExists, err))
	case pqErr.Code.Class() == "23":
		return retry.Permanent(err)
	}
	return err
}
