package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/repo-census/internal/store"
)

// LedgerStore is an in-process store.LedgerRepository.
type LedgerStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.Run
	regions map[uuid.UUID]map[int]store.RegionOutcome
}

var _ store.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore constructs an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		runs:    make(map[uuid.UUID]store.Run),
		regions: make(map[uuid.UUID]map[int]store.RegionOutcome),
	}
}

// StartRun creates the run, or marks a finished one running again.
func (s *LedgerStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.runs[runID] = run
	return nil
}

// CompleteRun records the final state of a known run.
func (s *LedgerStore) CompleteRun(_ context.Context, c store.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[c.RunID]
	if !ok {
		return store.ErrNotFound
	}
	finished := c.FinishedAt
	run.FinishedAt = &finished
	run.Status = c.Status
	run.ErrorMessage = c.ErrorMessage
	run.Regions = c.Regions
	run.Records = c.Records
	run.Missed = c.Missed
	s.runs[c.RunID] = run
	return nil
}

// RecordRegion upserts the outcome keyed by (run, index).
func (s *LedgerStore) RecordRegion(_ context.Context, o store.RegionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.regions[o.RunID]
	if !ok {
		byIndex = make(map[int]store.RegionOutcome)
		s.regions[o.RunID] = byIndex
	}
	byIndex[o.Index] = o
	return nil
}

// GetRun fetches a run by ID.
func (s *LedgerStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *LedgerStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status == nil || run.Status == *status {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return page(out, limit, offset), nil
}

// ListRegions returns the region outcomes of a run in index order.
func (s *LedgerStore) ListRegions(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.RegionOutcome, error) {
	s.mu.RLock()
	byIndex := s.regions[runID]
	out := make([]store.RegionOutcome, 0, len(byIndex))
	for _, o := range byIndex {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
