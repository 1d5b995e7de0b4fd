package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/progress"
	"github.com/JakeFAU/repo-census/internal/store"
)

// LedgerSink persists run lifecycle and region outcomes via a
// store.LedgerRepository. Request and partition events are ignored.
type LedgerSink struct {
	repo   store.LedgerRepository
	logger *zap.Logger
}

// NewLedgerSink constructs a LedgerSink for the provided repository.
func NewLedgerSink(repo store.LedgerRepository, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{repo: repo, logger: logger}
}

// Consume forwards run and region events to the repository in batch order.
// It respects ctx deadlines and returns the first repository error.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		var err error
		switch evt.Stage {
		case progress.StageRunStart:
			err = s.repo.StartRun(ctx, evt.RunUUID(), evt.TS)
			if err != nil {
				err = fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			err = s.repo.CompleteRun(ctx, completionFromEvent(evt))
			if err != nil {
				err = fmt.Errorf("complete run: %w", err)
			}
		case progress.StageRegionDone:
			err = s.repo.RecordRegion(ctx, outcomeFromEvent(evt))
			if err != nil {
				err = fmt.Errorf("record region %d: %w", evt.Index, err)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func completionFromEvent(evt progress.Event) store.RunCompletion {
	c := store.RunCompletion{
		RunID:      evt.RunUUID(),
		FinishedAt: evt.TS,
		Status:     store.RunSuccess,
		Regions:    evt.Found,
		Records:    evt.Records,
		Missed:     evt.Missed,
	}
	if evt.Stage == progress.StageRunError {
		c.Status = store.RunError
		if evt.Note != "" {
			note := evt.Note
			c.ErrorMessage = &note
		}
	}
	return c
}

func outcomeFromEvent(evt progress.Event) store.RegionOutcome {
	out := store.RegionOutcome{
		RunID:       evt.RunUUID(),
		Index:       evt.Index,
		Region:      evt.Region,
		Expected:    evt.Count,
		Records:     evt.Records,
		Skipped:     evt.Outcome == progress.OutcomeSkipped,
		CompletedAt: evt.TS,
		Duration:    evt.Dur,
	}
	if evt.Note != "" {
		note := evt.Note
		out.Note = &note
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
