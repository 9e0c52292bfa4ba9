// Package retry implements exponential backoff with jitter, Retry-After
// aware rate-limit handling, and a per-target circuit breaker.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// Policy configures one retry call.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
	// Terminal, if set, classifies an error as non-retryable even if
	// attempts remain (e.g. scope_missing, duplicate).
	Terminal func(error) bool
}

// DefaultPolicy is a sane general-purpose policy: 5 attempts, 1s base,
// 30s ceiling.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: time.Second, Ceiling: 30 * time.Second}
}

// Func is the operation retry executes. It returns a Retry-After hint in
// seconds (0 if none) alongside its error, so the policy can honor a
// provider's rate-limit hint on the next delay.
type Func func(attempt int) (retryAfterSeconds float64, err error)

// Retry executes fn up to policy.MaxAttempts times, sleeping between
// attempts: delay = min(base*2^(attempt-1), ceiling) + uniform(0, base),
// or at least the Retry-After hint when the error carried one.
func Retry(ctx context.Context, policy Policy, fn Func) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.Ceiling <= 0 {
		policy.Ceiling = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		retryAfter, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.Terminal != nil && policy.Terminal(err) {
			return err
		}
		if !rterr.Recoverable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy.Base, policy.Ceiling, attempt)
		if retryAfter > 0 {
			hint := time.Duration(retryAfter * float64(time.Second))
			if hint > delay {
				delay = hint
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	exp := base
	for i := 1; i < attempt; i++ {
		exp *= 2
		if exp > ceiling {
			exp = ceiling
			break
		}
	}
	if exp > ceiling {
		exp = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return exp + jitter
}
