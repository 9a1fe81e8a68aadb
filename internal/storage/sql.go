package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/notaryline/internal/retry"
	"github.com/haasonsaas/notaryline/pkg/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered rewrites $N placeholders to ?N.
	numbered bool
	schema   []string
	classify func(error) error
}

// sqlStore implements Backend on database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	agentID string
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

func newSQLStore(db *sql.DB, d dialect, cfg Config) *sqlStore {
	s := &sqlStore{
		db:      db,
		dialect: d,
		agentID: cfg.AgentID,
		timeout: cfg.QueryTimeout,
		now:     cfg.Now,
		newID:   uuid.NewString,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultQueryTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if d.classify == nil {
		s.dialect.classify = func(err error) error { return err }
	}
	return s
}

func configurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if s.dialect.numbered {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func (s *sqlStore) fail(op string, err error) error {
	return s.dialect.classify(fmt.Errorf("%s: %w", op, err))
}

func (s *sqlStore) UpsertClient(ctx context.Context, phone, name, address string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", retry.Permanent(errors.New("upsert client: phone is required"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.fail("begin upsert client", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	var id string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT id FROM clients WHERE agent_id = $1 AND phone = $2`),
		s.agentID, phone,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = s.newID()
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO clients (id, agent_id, phone, name, address, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)`),
			id, s.agentID, phone, name, address, now,
		)
		if err != nil {
			return "", s.fail("insert client", err)
		}
	case err != nil:
		return "", s.fail("find client", err)
	default:
		_, err = tx.ExecContext(ctx,
			s.q(`UPDATE clients SET name = $1, address = $2, updated_at = $3 WHERE id = $4`),
			name, address, now, id,
		)
		if err != nil {
			return "", s.fail("update client", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", s.fail("commit upsert client", err)
	}
	return id, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, rec models.SessionRecord) (string, error) {
	if rec.ClientID == "" {
		return "", retry.Permanent(errors.New("create session: client id is required"))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := s.newID()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO sessions (id, agent_id, client_id, call_sid, service_type, time_hint, notes, status, session_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
		id, s.agentID, rec.ClientID, rec.CallID, string(rec.ServiceType),
		rec.TimeHint, rec.Notes, StatusScheduled, rec.SessionDate.UTC(), s.now().UTC(),
	)
	if err != nil {
		return "", s.fail("create session", err)
	}
	return id, nil
}

func (s *sqlStore) SessionByCallID(ctx context.Context, callID string) (string, error) {
	if callID == "" {
		return "", ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var id string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id FROM sessions WHERE call_sid = $1 ORDER BY created_at DESC LIMIT 1`),
		callID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.fail("find session", err)
	}
	return id, nil
}

func (s *sqlStore) AttachRecording(ctx context.Context, rec models.RecordingRecord) error {
	if rec.URL == "" {
		return retry.Permanent(errors.New("attach recording: url is required"))
	}
	sessionID := rec.SessionID
	if sessionID == "" {
		id, err := s.SessionByCallID(ctx, rec.CallID)
		if err != nil {
			return fmt.Errorf("attach recording: %w", err)
		}
		sessionID = id
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO documents (id, agent_id, session_id, name, type, status, url, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		s.newID(), s.agentID, sessionID, rec.DocumentName(),
		DocumentRecording, DocumentCompleted, rec.URL, rec.Transcript, s.now().UTC(),
	)
	if err != nil {
		return s.fail("attach recording", err)
	}
	return nil
}

func (s *sqlStore) SaveTranscript(ctx context.Context, sessionID, transcript string) error {
	if sessionID == "" {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET transcript = $1 WHERE id = $2`),
		transcript, sessionID,
	)
	if err != nil {
		return s.fail("save transcript", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("save transcript", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Migrate creates the tables the gateway writes to.
func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
