package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	p := fastPolicy(5)
	p.Retryable = IsRateLimited

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("account not found")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnceReturnsErrorUnwrapped(t *testing.T) {
	sentinel := errors.New("boom")
	err := Once().Do(context.Background(), func(ctx context.Context) error { return sentinel })
	assert.Equal(t, sentinel, err)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	var retries int
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		retries++
		cancel()
	}

	err := p.Do(ctx, func(ctx context.Context) error { return errors.New("429 Too Many Requests") })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, retries)
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(10))
	assert.Equal(t, time.Duration(0), Policy{}.Backoff(3))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(errors.New("rpc call getTransaction() on https://x: HTTP 429")))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
	assert.False(t, IsRateLimited(errors.New("connection reset")))
	assert.False(t, IsRateLimited(nil))
}
