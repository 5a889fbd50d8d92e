// Package retry provides a bounded retry-with-backoff policy. Callers own the
// policy and pass it to the components that poll or read from the network;
// nothing in the core loops forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy describes how many times to try an operation and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable classifies errors; nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultPolicy retries rate-limited calls three times, starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     16 * time.Second,
		Multiplier:     2,
		Retryable:      IsRateLimited,
	}
}

// Once is a policy that never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Backoff returns the wait before attempt (zero-based) + 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && time.Duration(d) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		backoff := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}

	if attempts == 1 {
		return err
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// IsRateLimited reports whether err looks like an HTTP 429 from an RPC node.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}
