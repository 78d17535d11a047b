package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(int) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 2}, func(int) error {
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, attempts)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(int) error {
		calls++
		return Permanent(errFlaky)
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(int) error {
		return errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, attempts)
}

func TestDoPassesAttemptNumber(t *testing.T) {
	var seen []int
	_, _ = Do(context.Background(), Policy{MaxAttempts: 3}, func(attempt int) error {
		seen = append(seen, attempt)
		return errFlaky
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
