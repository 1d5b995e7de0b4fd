package crawler

import (
	"context"
	"io"
	"time"
)

// SearchClient is the remote repository search API.
type SearchClient interface {
	// Count returns how many repositories match the filter.
	Count(ctx context.Context, filter RangeFilter) (int64, error)
	// SearchPage returns up to size results after cursor ("" for the first page).
	SearchPage(ctx context.Context, filter RangeFilter, cursor string, size int) (Page, error)
}

// CountOracle sizes a filter.
type CountOracle interface {
	Count(ctx context.Context, filter RangeFilter) (int64, error)
}

// Transport executes a remote call with retries.
type Transport interface {
	Execute(ctx context.Context, op string, call func(context.Context) error) error
}

// RetryPolicy decides whether and when a failed call is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(r io.Reader) (string, error)
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
