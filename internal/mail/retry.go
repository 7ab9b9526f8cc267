package mail

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// permanentError marks a failure that retrying cannot fix (4xx, bad address).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked as not retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// withRetry calls fn up to 1+cfg.RetryMax times, sleeping retryDelay between
// attempts. Permanent errors and context cancellation stop early.
func withRetry(ctx context.Context, cfg Config, fn func(ctx context.Context) (string, error)) (string, error) {
	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		id, err := fn(ctx)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", errors.Join(lastErr, ctx.Err())
		}
	}
	return "", lastErr
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
