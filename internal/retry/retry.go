// Package retry is a thin seam over cenkalti/backoff: an operation closure
// plus a policy. Callers mark non-retryable failures with Permanent so a 404
// never burns the retry budget.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Op is one retryable attempt. Returning nil stops retrying; wrapping the
// error with Permanent stops retrying and surfaces it immediately.
type Op func() error

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Exponential returns an exponential-with-jitter policy: base, doubled per
// attempt, capped, with up to maxRetries retries after the first attempt.
func Exponential(base, cap time.Duration, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // retry count is the only budget
	return backoff.WithMaxRetries(b, maxRetries)
}

// Linear returns a policy whose delay grows by base each attempt
// (base, 2*base, 3*base, ...), with up to maxRetries retries.
func Linear(base time.Duration, maxRetries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(&linearBackOff{base: base}, maxRetries)
}

// Do runs op under policy until success, a permanent error, retry
// exhaustion, or context cancellation.
func Do(ctx context.Context, op Op, policy backoff.BackOff) error {
	return backoff.Retry(backoff.Operation(op), backoff.WithContext(policy, ctx))
}

type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
