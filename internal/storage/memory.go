package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/notaryline/pkg/models"
)

// Client is a stored client row.
type Client struct {
	ID        string
	Phone     string
	Name      string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is a stored booking row.
type Session struct {
	ID          string
	ClientID    string
	CallID      string
	ServiceType models.ServiceType
	TimeHint    string
	Notes       string
	Status      string
	SessionDate time.Time
	Transcript  string
	CreatedAt   time.Time
}

// Document is a stored recording document.
type Document struct {
	ID        string
	SessionID string
	Name      string
	Type      string
	Status    string
	URL       string
	Content   string
	CreatedAt time.Time
}

// MemoryStore is an in-process Backend. It is used when no database is
// configured and by the simulate command.
type MemoryStore struct {
	mu        sync.RWMutex
	agentID   string
	clients   map[string]*Client // by phone
	sessions  map[string]*Session
	documents []Document
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(agentID string) *MemoryStore {
	return &MemoryStore{
		agentID:  agentID,
		clients:  make(map[string]*Client),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) UpsertClient(ctx context.Context, phone, name, address string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", errors.New("upsert client: phone is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.clients[phone]; ok {
		c.Name = name
		c.Address = address
		c.UpdatedAt = now
		return c.ID, nil
	}
	c := &Client{ID: uuid.NewString(), Phone: phone, Name: name, Address: address, CreatedAt: now, UpdatedAt: now}
	s.clients[phone] = c
	return c.ID, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, rec models.SessionRecord) (string, error) {
	if rec.ClientID == "" {
		return "", errors.New("create session: client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:          uuid.NewString(),
		ClientID:    rec.ClientID,
		CallID:      rec.CallID,
		ServiceType: rec.ServiceType,
		TimeHint:    rec.TimeHint,
		Notes:       rec.Notes,
		Status:      StatusScheduled,
		SessionDate: rec.SessionDate,
		CreatedAt:   s.now(),
	}
	s.sessions[sess.ID] = sess
	return sess.ID, nil
}

func (s *MemoryStore) SessionByCallID(ctx context.Context, callID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionByCallLocked(callID)
}

func (s *MemoryStore) sessionByCallLocked(callID string) (string, error) {
	var latest *Session
	for _, sess := range s.sessions {
		if callID == "" || sess.CallID != callID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return "", ErrNotFound
	}
	return latest.ID, nil
}

func (s *MemoryStore) AttachRecording(ctx context.Context, rec models.RecordingRecord) error {
	if rec.URL == "" {
		return errors.New("attach recording: url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := rec.SessionID
	if sessionID == "" {
		id, err := s.sessionByCallLocked(rec.CallID)
		if err != nil {
			return err
		}
		sessionID = id
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	s.documents = append(s.documents, Document{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      rec.DocumentName(),
		Type:      DocumentRecording,
		Status:    DocumentCompleted,
		URL:       rec.URL,
		Content:   rec.Transcript,
		CreatedAt: s.now(),
	})
	return nil
}

func (s *MemoryStore) SaveTranscript(ctx context.Context, sessionID, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Transcript = transcript
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Clients returns a snapshot of stored clients ordered by creation.
func (s *MemoryStore) Clients() []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Session returns a copy of the stored session.
func (s *MemoryStore) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Documents returns the documents attached to sessionID.
func (s *MemoryStore) Documents(sessionID string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, d := range s.documents {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out
}
