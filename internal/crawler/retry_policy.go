package crawler

import (
	"context"
	"errors"
	"time"
)

// FixedRetryPolicy retries any non-context failure after a constant delay.
type FixedRetryPolicy struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedRetryPolicy allows maxRetries retries after the first attempt,
// each preceded by delay.
func NewFixedRetryPolicy(maxRetries int, delay time.Duration) *FixedRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedRetryPolicy{maxRetries: maxRetries, delay: delay}
}

// DefaultRetryPolicy is five retries five seconds apart.
func DefaultRetryPolicy() *FixedRetryPolicy {
	return NewFixedRetryPolicy(5, 5*time.Second)
}

// ShouldRetry decides whether the error is retryable. attempt counts the
// attempts already made, starting at 1.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt > p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the wait duration before the next attempt.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}
