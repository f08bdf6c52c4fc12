// Package queue holds the retry rules shared by the frontier backends.
package queue

import "time"

// Defaults applied by NewRetryPolicy for zero values.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// RetryPolicy decides what happens to a job that failed.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// NewRetryPolicy fills zero values with defaults.
func NewRetryPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BackoffBase: base}
}

// Next returns the delay before retrying a job that has failed attempts
// times before this failure. ok is false when the job must be dropped.
func (p RetryPolicy) Next(attempts int) (delay time.Duration, ok bool) {
	if attempts+1 >= p.MaxAttempts {
		return 0, false
	}
	return p.BackoffBase << attempts, true
}
