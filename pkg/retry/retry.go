// Package retry implements bounded-attempt retry with jittered
// exponential backoff. The exchange REST client does not use it; its
// retries go through a failsafe-go retry policy instead.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds how many attempts are made and how backoff grows.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Default is a sensible policy for REST calls against the exchange.
var Default = Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc classifies whether an error is worth retrying.
type IsTransientFunc func(error) bool

// Do runs fn, retrying while isTransient(err) until policy.MaxAttempts is
// exhausted or ctx is canceled.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		jitter := time.Duration(0)
		if backoff > 0 {
			jitter = time.Duration(rand.Int63n(int64(backoff/2) + 1))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}
	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
