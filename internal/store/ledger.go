// Package store declares interfaces for persisting census run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("ledger record not found")

// RunStatus mirrors the runs status column.
type RunStatus string

// Run statuses persisted in the runs table.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one census run.
type Run struct {
	// ID is the run identifier, also stored in the crawl checkpoint.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Regions, Records and Missed are filled in on completion.
	Regions int64
	Records int64
	Missed  int64
}

// RunCompletion carries the final state of a run.
type RunCompletion struct {
	RunID        uuid.UUID
	FinishedAt   time.Time
	Status       RunStatus
	Regions      int64
	Records      int64
	Missed       int64
	ErrorMessage *string
}

// RegionOutcome records how one region of a run was fetched.
type RegionOutcome struct {
	RunID       uuid.UUID
	Index       int
	Region      string
	Expected    int64
	Records     int64
	Skipped     bool
	Note        *string
	CompletedAt time.Time
	Duration    time.Duration
}

// LedgerRepository persists run lifecycle and per-region outcomes. Region
// writes are keyed by (run, index) so a resumed run may repeat them.
type LedgerRepository interface {
	// StartRun inserts (or idempotently refreshes) a running run.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, completion RunCompletion) error
	// RecordRegion upserts the outcome of one region.
	RecordRegion(ctx context.Context, outcome RegionOutcome) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRegions returns region outcomes of a run ordered by index.
	ListRegions(ctx context.Context, runID uuid.UUID, limit, offset int) ([]RegionOutcome, error)
}
