// Package retry provides bounded retries with exponential or fixed backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff returns the delay before retry number n (1-based).
type Backoff func(n int) time.Duration

// Exponential doubles base on every retry with +-25% jitter.
func Exponential(base time.Duration) Backoff {
	return func(n int) time.Duration {
		delay := base << (n - 1)
		jitter := delay / 4
		return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	}
}

// Fixed waits the same delay before every retry.
func Fixed(delay time.Duration) Backoff {
	return func(int) time.Duration { return delay }
}

// Capped limits b to max. Overflowed delays also map to max.
func Capped(b Backoff, max time.Duration) Backoff {
	return func(n int) time.Duration {
		if d := b(n); d > 0 && d < max {
			return d
		}
		return max
	}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return DoWith(ctx, maxAttempts, Exponential(baseDelay), fn)
}

// DoWith is Do with an explicit backoff schedule.
func DoWith(ctx context.Context, maxAttempts int, backoff Backoff, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	return err
}
