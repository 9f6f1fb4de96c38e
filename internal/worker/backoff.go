package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
)

// RetryDelay computes the wait before a shard's next attempt:
// min(maxDelay, base * 2^(attempts-1)) plus up to base of jitter. attempts
// is the number already consumed, so the first retry waits around base.
func RetryDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxDelay {
			backoff = maxDelay
			break
		}
	}
	if backoff > maxDelay {
		backoff = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return backoff + jitter
}

// permanent reports whether err is a definitive answer from the store
// rather than an infrastructure failure. Permanent errors must surface
// immediately; retrying them can only hide a lost race.
func permanent(err error) bool {
	return errors.Is(err, model.ErrConditionFailed) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrValidation) ||
		errors.Is(err, model.ErrRunTerminal) ||
		errors.Is(err, model.ErrLockHeld) ||
		errors.Is(err, model.ErrNotOwner)
}

// retryTransient runs fn up to attempts times with capped exponential
// waits, retrying only infrastructure failures.
func retryTransient(ctx context.Context, attempts int, baseWait time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := baseWait
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
