package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

type entry struct {
	// lock is a one-slot semaphore guarding session, lastSeen and removed.
	lock     chan struct{}
	session  *models.CallSession
	lastSeen time.Time
	removed  bool
}

func (e *entry) tryLock() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) unlock() {
	<-e.lock
}

// MemoryStore is an in-process Store with per-call locking and TTL eviction.
//
// Thread Safety:
// MemoryStore is safe for concurrent use. The map lock is only held for
// lookup and removal; session reads and writes happen under the call lock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	ttl         time.Duration
	lockTimeout time.Duration
	onEvict     EvictFunc
	now         func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryStore creates a store and starts its sweeper when configured.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &MemoryStore{
		entries:     make(map[string]*entry),
		ttl:         opts.TTL,
		lockTimeout: opts.LockTimeout,
		onEvict:     opts.OnEvict,
		now:         opts.Now,
		stop:        make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(opts.SweepInterval)
	}
	return m
}

// SetEvictHandler replaces the eviction callback. It is meant for wiring at
// startup before the store receives traffic.
func (m *MemoryStore) SetEvictHandler(fn EvictFunc) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, callID string, fn UpdateFunc) (*models.CallSession, error) {
	for {
		e, err := m.entry(callID, true)
		if err != nil {
			return nil, err
		}
		if err := m.acquire(ctx, e); err != nil {
			return nil, err
		}
		if e.removed {
			// Evicted while we waited; start over with a fresh entry.
			e.unlock()
			continue
		}

		now := m.now()
		existed := e.session != nil
		var working *models.CallSession
		if existed {
			working = e.session.Clone()
		} else {
			working = models.NewCallSession(callID, "", now)
		}

		if err := fn(working, existed); err != nil {
			if !existed {
				m.removeLocked(callID, e)
			}
			e.unlock()
			return nil, err
		}

		working.UpdatedAt = now
		e.session = working
		e.lastSeen = now
		out := working.Clone()

		ended := working.Stage.IsTerminal()
		if ended {
			m.removeLocked(callID, e)
		}
		e.unlock()

		if ended {
			m.evicted(working, EvictEnded)
		}
		return out, nil
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	e, err := m.entry(callID, false)
	if err != nil {
		return nil, err
	}
	if err := m.acquire(ctx, e); err != nil {
		return nil, err
	}
	defer e.unlock()
	if e.removed || e.session == nil {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, callID string) (*models.CallSession, error) {
	e, err := m.entry(callID, false)
	if err != nil {
		return nil, err
	}
	if err := m.acquire(ctx, e); err != nil {
		return nil, err
	}
	if e.removed || e.session == nil {
		e.unlock()
		return nil, ErrNotFound
	}
	sess := e.session
	m.removeLocked(callID, e)
	e.unlock()

	m.evicted(sess, EvictDeleted)
	return sess.Clone(), nil
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep evicts sessions idle for at least the TTL as of now and returns how
// many were removed. Sessions with an update in flight are skipped.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		candidates[id] = e
	}
	m.mu.RUnlock()

	var expired []*models.CallSession
	for id, e := range candidates {
		if !e.tryLock() {
			continue
		}
		if !e.removed && now.Sub(e.lastSeen) >= m.ttl {
			m.removeLocked(id, e)
			if e.session != nil {
				expired = append(expired, e.session)
			}
		}
		e.unlock()
	}

	for _, sess := range expired {
		m.evicted(sess, EvictExpired)
	}
	return len(expired)
}

// Close stops the sweeper. Further calls return ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

func (m *MemoryStore) entry(callID string, create bool) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[callID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return e, nil
	}
	if !create {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[callID]; ok {
		return e, nil
	}
	e = &entry{lock: make(chan struct{}, 1), lastSeen: m.now()}
	m.entries[callID] = e
	return e, nil
}

func (m *MemoryStore) acquire(ctx context.Context, e *entry) error {
	if e.tryLock() {
		return nil
	}
	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()

	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
}

// removeLocked drops e from the map. The caller holds e's lock.
func (m *MemoryStore) removeLocked(callID string, e *entry) {
	e.removed = true
	m.mu.Lock()
	if m.entries[callID] == e {
		delete(m.entries, callID)
	}
	m.mu.Unlock()
}

func (m *MemoryStore) evicted(sess *models.CallSession, reason EvictReason) {
	m.mu.RLock()
	fn := m.onEvict
	m.mu.RUnlock()
	if fn != nil {
		fn(sess.Clone(), reason)
	}
}
