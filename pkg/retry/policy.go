// Package retry provides the exponential backoff policy used for transient
// Workload API failures.
//
// A Policy is a plain value: every Execute call derives fresh backoff state,
// so one policy can safely drive unrelated operations concurrently.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default tuning, aligned with the Workload API reconnect behavior.
const (
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// Policy describes how an operation is retried on transient failure.
// The zero value is usable and behaves like DefaultPolicy().
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor applied to the delay after each retry.
	Multiplier float64

	// MaxAttempts bounds the total number of attempts (first call
	// included). Zero or negative means retry indefinitely.
	MaxAttempts int

	// IsRetryable distinguishes transient from terminal failures. A nil
	// predicate treats every failure as transient. Terminal failures
	// propagate immediately, bypassing remaining retries.
	IsRetryable func(err error) bool
}

// DefaultPolicy returns a policy with the default tuning and no attempt
// bound.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

// Execute runs op, retrying transient failures with exponential backoff
// until it succeeds, the attempt budget is spent (the last error is
// returned), op fails terminally per IsRetryable, or ctx is canceled.
// A pending backoff wait is interrupted promptly by ctx cancellation.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && p.IsRetryable != nil && !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.NewBackOff(ctx))
}

// NewBackOff returns the policy's backoff interval sequence bound to ctx,
// for callers that drive their own retry loop (such as the identity
// source's reconnect loop). The sequence yields backoff.Stop once the
// attempt budget is spent and may be Reset after a success.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = DefaultInitialInterval
	}
	eb.MaxInterval = p.MaxInterval
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = DefaultMaxInterval
	}
	eb.Multiplier = p.Multiplier
	if eb.Multiplier <= 0 {
		eb.Multiplier = DefaultMultiplier
	}
	// The policy is bounded by attempts, not wall-clock time.
	eb.MaxElapsedTime = 0
	eb.Reset()

	var bo backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}
