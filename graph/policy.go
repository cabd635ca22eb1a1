package graph

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retries of a node function on transient
// failures. Retries happen inside the worker, before the error strategy
// ever observes the failure: a node that eventually succeeds is
// indistinguishable from one that succeeded on the first attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of execution attempts, including
	// the first. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between
	// attempts.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. If nil, no
	// errors are retried.
	Retryable func(error) bool
}

// Validate checks the policy's constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return &ConfigurationError{Message: "retry policy: MaxAttempts must be >= 1"}
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return &ConfigurationError{Message: "retry policy: MaxDelay must be >= BaseDelay"}
	}
	return nil
}

// computeBackoff returns the delay before retry `attempt` (0-based):
// min(base * 2^attempt, maxDelay) plus a jitter drawn from [0, base) so
// concurrent retries don't synchronize.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}

// runWithRetry executes a node function under its retry policy. The
// invocation context bounds backoff sleeps so an aborting run doesn't
// linger in a retry loop.
func runWithRetry(ctx context.Context, n *ExecNode, state *State) (any, error) {
	for attempt := 0; ; attempt++ {
		v, err := n.Fn(ctx, state)
		if err == nil {
			return v, nil
		}
		rp := n.Retry
		if rp == nil || attempt+1 >= rp.MaxAttempts || rp.Retryable == nil || !rp.Retryable(err) {
			return nil, err
		}
		select {
		case <-time.After(computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay)):
		case <-ctx.Done():
			return nil, err
		}
	}
}
