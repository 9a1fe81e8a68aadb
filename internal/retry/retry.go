// Package retry retries gateway operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Factor is the multiplier for exponential backoff.
	Factor float64 `yaml:"factor"`
	// Jitter enables randomization of delays.
	Jitter bool `yaml:"jitter"`
}

// DefaultConfig returns the settings used for gateway calls. Retries stay
// few because a caller is waiting on the line.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Op is a retryable operation.
type Op func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts or ctx is done.
func Do(ctx context.Context, config Config, op Op) Result {
	start := time.Now()
	config = normalize(config)
	result := Result{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		err := op(ctx, attempt)
		result.Err = err
		if err == nil || IsPermanent(err) || attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(delayFor(config, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue runs an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(ctx context.Context, _ int) error {
		var err error
		value, err = op(ctx)
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff calculates the un-jittered delay before attempt+1.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

func delayFor(config Config, attempt int) time.Duration {
	delay := Backoff(attempt, config.InitialDelay, config.MaxDelay, config.Factor)
	if config.Jitter {
		// delay * [0.5, 1.5]
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return delay
}

func normalize(config Config) Config {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}
	return config
}
