package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"

	"github.com/haasonsaas/notaryline/internal/retry"
)

// sqliteConstraint is the primary SQLITE_CONSTRAINT result code.
const sqliteConstraint = 19

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (agent_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		call_sid TEXT NOT NULL DEFAULT '',
		service_type TEXT NOT NULL DEFAULT '',
		time_hint TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		session_date TIMESTAMP NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_call_sid_idx ON sessions (call_sid)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		url TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

var sqliteDialect = dialect{
	name:     "sqlite",
	numbered: true,
	schema:   sqliteSchema,
	classify: classifySQLite,
}

// OpenSQLite opens a SQLite database with the pure Go modernc driver.
func OpenSQLite(ctx context.Context, cfg Config) (Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := ping(ctx, db, cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return newSQLStore(db, sqliteDialect, cfg), nil
}

func classifySQLite(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqliteConstraint {
		if strings.Contains(sqlErr.Error(), "UNIQUE") {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrAlreadyExists, err))
		}
		return retry.Permanent(err)
	}
	return err
}
