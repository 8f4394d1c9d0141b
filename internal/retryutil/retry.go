// Package retryutil wraps external-collaborator calls with bounded
// exponential backoff. Exhausted retries fail the request; no partial
// state is recorded by callers on failure.
package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy holds retry settings for a call site.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the initial backoff interval.
	BaseDelay time.Duration
}

// DefaultPolicy retries twice after the initial attempt.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Do runs op with bounded exponential backoff, returning its value on the
// first success. Context cancellation stops retrying immediately.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay

	var result T
	operation := func() error {
		v, err := op()
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
	return result, err
}
