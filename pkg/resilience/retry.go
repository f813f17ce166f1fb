package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy defines retry behavior for transient collaborator failures.
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	MaxElapsed  time.Duration
	IsRetryable func(error) bool
	Operation   string
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = DefaultIsRetryable
	}
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		var rl RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			t := time.NewTimer(rl.RetryAfter)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-t.C:
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("retry_scheduled",
			"operation", r.Operation,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err.Error())
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(r.backOff(), uint64(r.MaxRetries)), ctx), notify)
}

func (r RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Backoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	b.MaxInterval = r.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = 2 * time.Second
	}
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	b.Reset()
	return b
}

// DefaultIsRetryable retries everything except cancellation and an open breaker.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}
