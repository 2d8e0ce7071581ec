// Package retry wraps cenkalti/backoff with the bounded-attempt policy used
// for outbound calls: a hard attempt cap, exponential backoff, and a typed
// predicate deciding which errors are worth retrying.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Do runs fn up to maxAttempts times, backing off exponentially from initial.
// Errors rejected by isRetryable abort immediately. A nil isRetryable retries
// every error.
func Do[T any](ctx context.Context, maxAttempts uint, initial time.Duration, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err != nil && isRetryable != nil && !isRetryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxAttempts),
	)
}
