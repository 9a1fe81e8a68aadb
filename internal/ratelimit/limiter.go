// Package ratelimit provides per-key token bucket limits for outbound
// messages.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// PerMinute is the sustained number of events allowed per minute.
	PerMinute float64 `yaml:"per_minute"`
	// Burst is the maximum number of events allowed at once.
	Burst int `yaml:"burst"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig allows a short burst of confirmations to one number and then
// one per minute.
func DefaultConfig() Config {
	return Config{
		PerMinute: 1,
		Burst:     3,
		Enabled:   true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(config Config, now func() time.Time) *Bucket {
	if config.PerMinute <= 0 {
		config.PerMinute = DefaultConfig().PerMinute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		tokens:     float64(config.Burst),
		maxTokens:  float64(config.Burst),
		refillRate: config.PerMinute / 60,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until a token is available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

func (b *Bucket) full() bool {
	return b.Tokens() >= b.maxTokens
}

// Limiter manages one bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a per-key limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// WithClock overrides the clock (for testing).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether an event for key is allowed and consumes a token.
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.config.Enabled {
		return true
	}
	return l.bucket(key).Allow()
}

// WaitTime returns how long key must wait for its next event.
func (l *Limiter) WaitTime(key string) time.Duration {
	if l == nil || !l.config.Enabled {
		return 0
	}
	return l.bucket(key).WaitTime()
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	b := NewBucket(l.config, l.now)
	l.buckets[key] = b
	return b
}

// prune removes buckets that have fully refilled.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.full() {
			delete(l.buckets, key)
		}
	}
}
