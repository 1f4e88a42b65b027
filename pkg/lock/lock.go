// Package lock provides the advisory spool lock and the cluster-wide reboot
// lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	// ErrNotAcquired indicates that the lock is currently held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager hands out leases on a lock.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// AttemptResult classifies one acquisition attempt.
type AttemptResult string

const (
	AttemptSuccess   AttemptResult = "success"
	AttemptContended AttemptResult = "contended"
	AttemptCanceled  AttemptResult = "canceled"
	AttemptError     AttemptResult = "error"
)

// Attempt describes one try of AcquireWithRetry.
type Attempt struct {
	Number   int
	Result   AttemptResult
	Duration time.Duration
	Err      error
	// Backoff is the delay before the next attempt; zero on the last one.
	Backoff time.Duration
}

// RetryPolicy bounds AcquireWithRetry.
type RetryPolicy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Sleep      func(context.Context, time.Duration) error
	Rand       *rand.Rand
	OnAttempt  func(Attempt)
}

// AcquireWithRetry retries contended acquisitions with jittered exponential
// backoff. Errors other than contention end the loop immediately.
func AcquireWithRetry(ctx context.Context, m Manager, policy RetryPolicy) (Lease, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.MinBackoff <= 0 {
		policy.MinBackoff = time.Second
	}
	if policy.MaxBackoff < policy.MinBackoff {
		policy.MaxBackoff = policy.MinBackoff
	}
	if policy.Sleep == nil {
		policy.Sleep = SleepContext
	}
	if policy.Rand == nil {
		policy.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	report := policy.OnAttempt
	if report == nil {
		report = func(Attempt) {}
	}

	for attempt := 0; attempt < policy.Attempts; attempt++ {
		start := time.Now()
		lease, err := m.Acquire(ctx)
		info := Attempt{Number: attempt + 1, Duration: time.Since(start), Err: err}

		switch {
		case err == nil:
			info.Result = AttemptSuccess
			report(info)
			return lease, attempt + 1, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			info.Result = AttemptCanceled
			report(info)
			return nil, attempt + 1, err
		case errors.Is(err, ErrNotAcquired):
			info.Result = AttemptContended
		default:
			info.Result = AttemptError
			report(info)
			return nil, attempt + 1, fmt.Errorf("acquire lock: %w", err)
		}

		if attempt == policy.Attempts-1 {
			report(info)
			break
		}
		info.Backoff = nextBackoffDelay(policy.Rand, attempt, policy.MinBackoff, policy.MaxBackoff)
		report(info)
		if err := policy.Sleep(ctx, info.Backoff); err != nil {
			return nil, attempt + 1, err
		}
	}
	return nil, policy.Attempts, fmt.Errorf("gave up after %d attempts: %w", policy.Attempts, ErrNotAcquired)
}

func nextBackoffDelay(rnd *rand.Rand, attempt int, min, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	base := min * time.Duration(1<<attempt)
	if base < min || base > max {
		base = max
	}
	if base <= min {
		return min
	}
	return min + time.Duration(rnd.Int63n(int64(base-min)+1))
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
