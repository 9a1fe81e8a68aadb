package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	store := NewMemoryStore(opts)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestMemoryStore_UpdateCreatesAndPersists(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	sess, err := store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		if existed {
			t.Fatal("first update should create the session")
		}
		s.CallerNumber = "+15550001111"
		s.Advance(models.StageAwaitingServiceRequest)
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if sess.CallID != "CA1" || sess.Stage != models.StageAwaitingServiceRequest {
		t.Fatalf("unexpected session %+v", sess)
	}

	_, err = store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		if !existed {
			t.Fatal("second update should see the existing session")
		}
		if s.CallerNumber != "+15550001111" {
			t.Fatalf("caller = %q", s.CallerNumber)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_UpdateErrorDiscardsChanges(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	boom := errors.New("boom")

	if _, err := store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed create should not leave an entry, Len() = %d", store.Len())
	}

	_, _ = store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		s.Advance(models.StageAwaitingBooking)
		return nil
	})
	_, err := store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		s.Advance(models.StageAwaitingFollowUp)
		s.Transcript.Append(models.RoleCaller, "lost", time.Now())
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := store.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Stage != models.StageAwaitingBooking || got.Transcript.Len() != 0 {
		t.Fatalf("failed update leaked changes: %+v", got)
	}
}

func TestMemoryStore_EndedSessionIsEvicted(t *testing.T) {
	var evicted []EvictReason
	store, _ := newTestStore(t, Options{
		OnEvict: func(sess *models.CallSession, reason EvictReason) {
			evicted = append(evicted, reason)
		},
	})
	ctx := context.Background()

	sess, err := store.Update(ctx, "CA1", func(s *models.CallSession, existed bool) error {
		s.Advance(models.StageEnded)
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if sess.Stage != models.StageEnded {
		t.Fatalf("returned stage = %s", sess.Stage)
	}
	if store.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", store.Len())
	}
	if len(evicted) != 1 || evicted[0] != EvictEnded {
		t.Fatalf("evictions = %v", evicted)
	}
	if _, err := store.Get(ctx, "CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SweepEvictsIdleSessions(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	store, clock := newTestStore(t, Options{
		TTL: 10 * time.Minute,
		OnEvict: func(sess *models.CallSession, reason EvictReason) {
			mu.Lock()
			defer mu.Unlock()
			if reason != EvictExpired {
				t.Errorf("reason = %s, want expired", reason)
			}
			evicted = append(evicted, sess.CallID)
		},
	})
	ctx := context.Background()
	touch := func(id string) {
		if _, err := store.Update(ctx, id, func(*models.CallSession, bool) error { return nil }); err != nil {
			t.Fatalf("Update(%s) error = %v", id, err)
		}
	}

	touch("idle")
	clock.Advance(6 * time.Minute)
	touch("active")

	if n := store.Sweep(clock.Now()); n != 0 {
		t.Fatalf("early sweep removed %d sessions", n)
	}
	clock.Advance(4 * time.Minute)
	if n := store.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "idle"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle session should be gone, err = %v", err)
	}
	if _, err := store.Get(ctx, "active"); err != nil {
		t.Fatalf("active session should remain, err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("evicted = %v", evicted)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	var reasons []EvictReason
	store, _ := newTestStore(t, Options{
		OnEvict: func(_ *models.CallSession, reason EvictReason) { reasons = append(reasons, reason) },
	})
	ctx := context.Background()

	if _, err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	_, _ = store.Update(ctx, "CA1", func(s *models.CallSession, _ bool) error {
		s.Advance(models.StageAwaitingBooking)
		return nil
	})
	sess, err := store.Delete(ctx, "CA1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if sess.Stage != models.StageAwaitingBooking {
		t.Fatalf("Delete() returned stage %s", sess.Stage)
	}
	if len(reasons) != 1 || reasons[0] != EvictDeleted {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestMemoryStore_SerializesSameCall(t *testing.T) {
	store, _ := newTestStore(t, Options{LockTimeout: 5 * time.Second})
	ctx := context.Background()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "CA1", func(s *models.CallSession, _ bool) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				s.Reprompts++
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("max concurrent updates = %d, want 1", maxInFlight)
	}
	sess, err := store.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Reprompts != 20 {
		t.Fatalf("Reprompts = %d, want 20", sess.Reprompts)
	}
}

func TestMemoryStore_DifferentCallsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t, Options{LockTimeout: time.Second})
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Update(ctx, "slow", func(*models.CallSession, bool) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := store.Update(ctx, "fast", func(*models.CallSession, bool) error { return nil })
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Update(fast) error = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("update on another call was blocked")
	}
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	store, _ := newTestStore(t, Options{LockTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = store.Update(ctx, "CA1", func(*models.CallSession, bool) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	_, err := store.Update(ctx, "CA1", func(*models.CallSession, bool) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Update() error = %v, want ErrLockTimeout", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Get(cctx, "CA1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	close(release)
	<-finished
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore(Options{SweepInterval: time.Millisecond})
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	_, err := store.Update(context.Background(), "CA1", func(*models.CallSession, bool) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Update() error = %v, want ErrClosed", err)
	}
}
