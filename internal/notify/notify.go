// Package notify sends booking confirmations by SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/notaryline/internal/ratelimit"
	"github.com/haasonsaas/notaryline/internal/retry"
)

var (
	// ErrDisabled is returned when no SMS credentials are configured.
	ErrDisabled = errors.New("notify: sms disabled")
	// ErrRateLimited is returned when a destination has received too many
	// messages.
	ErrRateLimited = errors.New("notify: rate limited")
)

// Sender delivers a text message and returns the provider message id.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// New returns a Twilio sender limited per destination, or a Disabled sender
// when credentials are missing.
func New(cfg TwilioConfig, limit ratelimit.Config) Sender {
	sender, err := NewTwilioSender(cfg)
	if err != nil {
		return Disabled{}
	}
	return NewRateLimited(sender, ratelimit.NewLimiter(limit))
}

// Enabled reports whether s can deliver messages.
func Enabled(s Sender) bool {
	if s == nil {
		return false
	}
	_, disabled := s.(Disabled)
	return !disabled
}

// Disabled drops every message.
type Disabled struct{}

func (Disabled) SendSMS(context.Context, string, string) (string, error) {
	return "", retry.Permanent(ErrDisabled)
}

// RateLimited wraps a Sender with a per-destination token bucket.
type RateLimited struct {
	next    Sender
	limiter *ratelimit.Limiter
}

// NewRateLimited wraps next.
func NewRateLimited(next Sender, limiter *ratelimit.Limiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

func (r *RateLimited) SendSMS(ctx context.Context, to, body string) (string, error) {
	if !r.limiter.Allow(to) {
		return "", retry.Permanent(fmt.Errorf("%w: retry in %s", ErrRateLimited, r.limiter.WaitTime(to).Round(time.Second)))
	}
	return r.next.SendSMS(ctx, to, body)
}
