// Package progress defines the event structures emitted while a census runs.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StageRunError          Stage = "RUN_ERROR"
	StagePartitionProgress Stage = "PARTITION_PROGRESS"
	StageRegionDone        Stage = "REGION_DONE"
	StageRequestDone       Stage = "REQUEST_DONE"
)

// Outcome classifies a request attempt or a region fetch.
type Outcome string

// Supported outcomes.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeRetry       Outcome = "retry"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
)

// Event captures a single component of census progress.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Op names the remote operation for request events (count, search).
	Op string
	// Outcome is set for request and region events.
	Outcome Outcome
	// Region is the filter string of a region event.
	Region string
	// Index is the region's position in the checkpointed region list.
	Index int
	// Count is the expected result count of a region, or the total expected
	// records for run events.
	Count int64
	// Records is how many records a region (or the whole run) produced.
	Records int64
	// Found counts regions discovered so far; Queued is the bisection
	// backlog. Run completion events reuse Found for the region total.
	Found  int64
	Queued int64
	// Missed counts records unreachable behind oversized regions.
	Missed int64
	// Dur captures latency for requests, regions and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePartitionProgress:
		if e.Found < 0 || e.Queued < 0 {
			return errors.New("partition counters must be >= 0")
		}
	case StageRegionDone:
		if e.Region == "" {
			return errors.New("region done requires region")
		}
		if e.Outcome == "" {
			return errors.New("region done requires outcome")
		}
	case StageRequestDone:
		if e.Op == "" {
			return errors.New("request done requires op")
		}
		if e.Outcome == "" {
			return errors.New("request done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

type runIDKey struct{}

// WithRunID scopes ctx to a run so deeper layers can tag their events.
func WithRunID(ctx context.Context, id [16]byte) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run ID stored by WithRunID.
func RunIDFromContext(ctx context.Context) ([16]byte, bool) {
	id, ok := ctx.Value(runIDKey{}).([16]byte)
	return id, ok
}
