package ratelimit

import (
	"strconv"
	"testing"
	"time"
)

type manualClock struct{ at time.Time }

func (c *manualClock) now() time.Time { return c.at }

func TestBucket_Allow(t *testing.T) {
	clk := &manualClock{at: time.Unix(0, 0)}
	b := NewBucket(Config{PerMinute: 1, Burst: 2}, clk.now)

	if !b.Allow() || !b.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if b.Allow() {
		t.Fatal("third event should be limited")
	}
	if wait := b.WaitTime(); wait < 59*time.Second || wait > 61*time.Second {
		t.Fatalf("WaitTime() = %v, want about 1m", wait)
	}

	clk.at = clk.at.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("token should refill after a minute")
	}
}

func TestBucket_RefillCapsAtBurst(t *testing.T) {
	clk := &manualClock{at: time.Unix(0, 0)}
	b := NewBucket(Config{PerMinute: 60, Burst: 3}, clk.now)
	b.Allow()
	clk.at = clk.at.Add(time.Hour)
	if got := b.Tokens(); got != 3 {
		t.Fatalf("Tokens() = %v, want 3", got)
	}
}

func TestBucket_ZeroConfigUsesDefaults(t *testing.T) {
	b := NewBucket(Config{}, nil)
	if b.maxTokens != 1 {
		t.Errorf("maxTokens = %v, want 1", b.maxTokens)
	}
	if b.refillRate <= 0 {
		t.Errorf("refillRate = %v, want > 0", b.refillRate)
	}
}

func TestLimiter_PerKey(t *testing.T) {
	clk := &manualClock{at: time.Unix(0, 0)}
	l := NewLimiter(Config{PerMinute: 1, Burst: 1, Enabled: true}).WithClock(clk.now)

	if !l.Allow("+15550001111") {
		t.Fatal("first message should be allowed")
	}
	if l.Allow("+15550001111") {
		t.Fatal("second message to the same number should be limited")
	}
	if !l.Allow("+15550002222") {
		t.Fatal("a different number has its own bucket")
	}
	if l.WaitTime("+15550001111") <= 0 {
		t.Fatal("limited key should report a wait")
	}

	l.Reset("+15550001111")
	if !l.Allow("+15550001111") {
		t.Fatal("reset key should be allowed again")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 1, Burst: 1, Enabled: false})
	for i := 0; i < 5; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter should always allow")
		}
	}
	if l.WaitTime("k") != 0 {
		t.Fatal("disabled limiter should never wait")
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("k") {
		t.Fatal("nil limiter should allow")
	}
}

func TestLimiter_PrunesFullBuckets(t *testing.T) {
	clk := &manualClock{at: time.Unix(0, 0)}
	l := NewLimiter(Config{PerMinute: 1, Burst: 1, Enabled: true}).WithClock(clk.now)
	l.maxKeys = 10

	for i := 0; i < 10; i++ {
		l.Allow(strconv.Itoa(i))
	}
	clk.at = clk.at.Add(time.Hour)
	l.Allow("new")

	if n := l.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1 after pruning refilled buckets", n)
	}
}
