// Package cache remembers recent webhook responses so provider retries are
// answered without re-running the conversation transition.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Response is a rendered webhook reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	// Turn is the call's turn counter after the reply was produced.
	Turn int
}

type replayEntry struct {
	resp   Response
	stored int64
}

type inflight struct {
	done chan struct{}
	resp Response
	ok   bool
}

// ReplayCache is a TTL-bounded map of webhook key to response. Concurrent
// requests for the same key share a single execution.
type ReplayCache struct {
	mu       sync.Mutex
	entries  map[string]replayEntry
	inflight map[string]*inflight
	ttl      time.Duration
	maxSize  int
}

// ReplayOptions configures the cache
type ReplayOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewReplayCache creates a replay cache. A zero TTL or MaxSize disables
// storage; in-flight coalescing still applies.
func NewReplayCache(opts ReplayOptions) *ReplayCache {
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxSize < 0 {
		opts.MaxSize = 0
	}
	return &ReplayCache{
		entries:  make(map[string]replayEntry),
		inflight: make(map[string]*inflight),
		ttl:      opts.TTL,
		maxSize:  opts.MaxSize,
	}
}

// ReplayKey builds the cache key for a webhook. It returns "" when there is
// no call SID, which disables caching for the request.
func ReplayKey(path, callSID, speech, digits string) string {
	if callSID == "" {
		return ""
	}
	return strings.Join([]string{path, callSID, speech, digits}, "\x1f")
}

// Do returns the cached response for key, or runs fn and caches its result.
// fn reports whether its response may be cached. replayed is true when the
// response came from the cache or from a concurrent execution.
func (c *ReplayCache) Do(key string, fn func() (Response, bool)) (resp Response, replayed bool) {
	return c.DoAt(key, time.Now, fn)
}

// DoAt is Do with an explicit clock (for testing).
func (c *ReplayCache) DoAt(key string, now func() time.Time, fn func() (Response, bool)) (Response, bool) {
	return c.DoIf(key, now, nil, fn)
}

// DoIf is DoAt where a cached response is replayed only if fresh reports
// true for it. A stale entry is dropped and fn runs. fresh is called without
// the cache lock held.
func (c *ReplayCache) DoIf(key string, now func() time.Time, fresh func(Response) bool, fn func() (Response, bool)) (Response, bool) {
	if key == "" {
		resp, _ := fn()
		return resp, false
	}

	if fresh != nil {
		c.mu.Lock()
		resp, ok := c.lookup(key, now().UnixMilli())
		c.mu.Unlock()
		if ok && !fresh(resp) {
			c.mu.Lock()
			if entry, still := c.entries[key]; still && entry.resp.Turn == resp.Turn {
				delete(c.entries, key)
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	if resp, ok := c.lookup(key, now().UnixMilli()); ok {
		c.mu.Unlock()
		return resp, true
	}
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-call.done
		if call.ok {
			return call.resp, true
		}
		resp, _ := fn()
		return resp, false
	}
	call := &inflight{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		if call.ok {
			c.store(key, call.resp, now().UnixMilli())
		}
		c.mu.Unlock()
		close(call.done)
	}()

	call.resp, call.ok = fn()
	return call.resp, false
}

// Get returns a cached response without running anything.
func (c *ReplayCache) Get(key string, now time.Time) (Response, bool) {
	if key == "" {
		return Response{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, now.UnixMilli())
}

// Size returns current number of entries
func (c *ReplayCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries
func (c *ReplayCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]replayEntry)
}

func (c *ReplayCache) lookup(key string, nowUnix int64) (Response, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if nowUnix-entry.stored >= c.ttl.Milliseconds() {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.resp, true
}

func (c *ReplayCache) store(key string, resp Response, nowUnix int64) {
	if c.ttl <= 0 || c.maxSize <= 0 {
		return
	}
	body := append([]byte(nil), resp.Body...)
	resp.Body = body
	c.entries[key] = replayEntry{resp: resp, stored: nowUnix}
	c.prune(nowUnix)
}

// prune removes expired and excess entries
func (c *ReplayCache) prune(nowUnix int64) {
	cutoff := nowUnix - c.ttl.Milliseconds()
	for key, entry := range c.entries {
		if entry.stored <= cutoff {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for k, entry := range c.entries {
			if entry.stored < oldest {
				oldest = entry.stored
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}
