// Package storage persists bookings: clients, scheduled sessions, call
// recordings and transcripts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Session statuses and document types written by the gateway.
const (
	StatusScheduled   = "scheduled"
	DocumentRecording = "recording"
	DocumentCompleted = "completed"
)

// DefaultQueryTimeout bounds a single statement when none is configured.
const DefaultQueryTimeout = 2 * time.Second

// Backend is the persistence gateway used by the voice engine.
type Backend interface {
	// UpsertClient updates the client with phone, or creates one, and returns
	// its id.
	UpsertClient(ctx context.Context, phone, name, address string) (string, error)
	// CreateSession stores a scheduled booking and returns its id.
	CreateSession(ctx context.Context, rec models.SessionRecord) (string, error)
	// AttachRecording stores a recording document on a booked session.
	AttachRecording(ctx context.Context, rec models.RecordingRecord) error
	// SaveTranscript writes the formatted transcript onto a session.
	SaveTranscript(ctx context.Context, sessionID, transcript string) error
	// SessionByCallID resolves the booked session for a call.
	SessionByCallID(ctx context.Context, callID string) (string, error)
	Migrate(ctx context.Context) error
	Close() error
}

// Config configures a backend.
type Config struct {
	Driver          string
	DSN             string
	AgentID         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
	// Now overrides the clock used for created_at columns.
	Now func() time.Time
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(cfg.AgentID), nil
	case "postgres":
		return OpenPostgres(ctx, cfg)
	case "sqlite":
		return OpenSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// SessionNotes is the notes column written for a booking.
func SessionNotes(service models.ServiceType, quote *models.PricingQuote) string {
	total := 0
	if quote != nil {
		total = quote.Total
	}
	return fmt.Sprintf("Service: %s, Quote: $%d", service.Label(), total)
}
