package genai

import (
	"context"
	"time"
)

// Policy is an explicit retry policy: how many retries, how long to sleep
// between attempts, and which errors are worth retrying. Keeping it separate
// from the HTTP call site lets the protocol be tested without a network.
type Policy struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration
	Retryable  func(error) bool
}

// ExponentialBackoff sleeps 2^attempt seconds: 1s, 2s, 4s, ...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Do runs fn up to MaxRetries+1 times. It stops early on success, on an
// error the policy classifies as terminal, or on context cancellation; the
// last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.MaxRetries {
			return lastErr
		}
		if err := sleepContext(ctx, backoff(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
