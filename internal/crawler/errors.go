package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRange reports a malformed or inverted star/date interval.
	ErrInvalidRange = errors.New("invalid range")
	// ErrPageFetchExhausted marks a region abandoned after its page retries
	// at reduced sizes all failed.
	ErrPageFetchExhausted = errors.New("page fetch retries exhausted")
)

// TransportError is returned once the retry budget for a call is spent.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitedError is an explicit throttle signal from the API. Reset is the
// instant after which requests are accepted again.
type RateLimitedError struct {
	Reset   time.Time
	Message string
}

func (e *RateLimitedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limited"
	}
	return fmt.Sprintf("%s until %s", msg, e.Reset.UTC().Format(time.RFC3339))
}
