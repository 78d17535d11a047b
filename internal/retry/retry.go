// Package retry runs an operation a bounded number of times with
// exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop. BaseDelay doubles after every failed attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the context ends
// or the policy runs out of attempts. fn receives the 1-based attempt number.
// The number of attempts actually made is returned alongside the last error.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return attempt, pe.Err
		}

		if attempt == maxAttempts {
			return attempt, err
		}

		if delay > 0 {
			jitter := delay / 4
			sleep := delay - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		} else if ctx.Err() != nil {
			return attempt, errors.Join(err, ctx.Err())
		}
	}

	return maxAttempts, err
}

func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n))
}
