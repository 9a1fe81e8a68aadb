// Package sessions holds the process-wide registry of live call sessions.
//
// Access to a single call is serialized by a per-call lock while different
// calls proceed independently. Sessions are evicted when they reach the Ended
// stage, when explicitly deleted, or after an inactivity TTL.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

var (
	// ErrLockTimeout is returned when acquiring a call lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrNotFound is returned when no live session exists for a call.
	ErrNotFound = errors.New("session: not found")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("session: store closed")
)

// EvictReason explains why a session left the store.
type EvictReason string

const (
	EvictEnded   EvictReason = "ended"
	EvictExpired EvictReason = "expired"
	EvictDeleted EvictReason = "deleted"
)

// UpdateFunc mutates a session while the call lock is held. existed is false
// when the session was created for this update. Returning an error discards
// every change made by the function.
type UpdateFunc func(sess *models.CallSession, existed bool) error

// EvictFunc observes sessions removed from the store. It runs after the call
// lock has been released.
type EvictFunc func(sess *models.CallSession, reason EvictReason)

// Store is the interface for call session registries.
type Store interface {
	// Update applies fn under the call lock and returns a copy of the result.
	Update(ctx context.Context, callID string, fn UpdateFunc) (*models.CallSession, error)
	// Get returns a copy of the live session.
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	// Delete evicts the session and returns its final state.
	Delete(ctx context.Context, callID string) (*models.CallSession, error)
	// Len returns the number of live sessions.
	Len() int
}

// Options configures a MemoryStore.
type Options struct {
	// TTL is the inactivity window after which a session is evicted.
	TTL time.Duration
	// SweepInterval controls how often expired sessions are collected.
	// Zero disables the background sweeper; Sweep can still be called.
	SweepInterval time.Duration
	// LockTimeout bounds how long an update waits for the call lock.
	LockTimeout time.Duration
	// OnEvict is called for every evicted session.
	OnEvict EvictFunc
	// Now overrides the clock.
	Now func() time.Time
}

// Defaults for Options.
const (
	DefaultTTL           = 15 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultLockTimeout   = 5 * time.Second
)

// DefaultOptions returns the production store settings.
func DefaultOptions() Options {
	return Options{
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		LockTimeout:   DefaultLockTimeout,
	}
}
