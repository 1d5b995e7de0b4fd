// Package partition bisects the star × creation-date search space into
// regions whose result counts fit under the per-query ceiling.
package partition

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/progress"
)

// DefaultLimit is the most results the search API returns for one query.
const DefaultLimit = 1000

const logEvery = 50

// Result is the outcome of a partitioning pass.
type Result struct {
	// Regions are in emission (breadth-first) order.
	Regions []crawler.Region
	// Missed sums the overflow of oversized regions.
	Missed int64
}

// Partitioner runs the breadth-first bisection.
type Partitioner struct {
	oracle  crawler.CountOracle
	limit   int64
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// Option customizes a Partitioner.
type Option func(*Partitioner)

// WithLimit overrides DefaultLimit.
func WithLimit(limit int64) Option {
	return func(p *Partitioner) {
		if limit > 0 {
			p.limit = limit
		}
	}
}

// WithEmitter reports PARTITION_PROGRESS events for runs carried in ctx.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Partitioner) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Partitioner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c crawler.Clock) Option {
	return func(p *Partitioner) {
		if c != nil {
			p.clock = c
		}
	}
}

// New builds a Partitioner over oracle.
func New(oracle crawler.CountOracle, opts ...Option) *Partitioner {
	p := &Partitioner{
		oracle:  oracle,
		limit:   DefaultLimit,
		emitter: progress.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Partition counts initial and splits it until every region fits under the
// limit or cannot be split further. Oracle errors abort the pass.
func (p *Partitioner) Partition(ctx context.Context, initial crawler.RangeFilter) (Result, error) {
	var res Result
	queue := []crawler.RangeFilter{initial}
	counted := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		filter := queue[0]
		queue = queue[1:]

		count, err := p.oracle.Count(ctx, filter)
		if err != nil {
			return Result{}, fmt.Errorf("count %s: %w", filter, err)
		}
		counted++

		switch {
		case count == 0:
		case count <= p.limit:
			res.Regions = append(res.Regions, crawler.Region{Filter: filter, Count: count})
		default:
			lo, hi, ok := filter.Split()
			if ok {
				queue = append(queue, lo, hi)
				break
			}
			region := crawler.Region{Filter: filter, Count: count, Oversized: true}
			overflow := region.Overflow(p.limit)
			res.Regions = append(res.Regions, region)
			res.Missed += overflow
			p.logger.Warn("region exceeds search limit and cannot be split",
				zap.Stringer("filter", filter),
				zap.Int64("count", count),
				zap.Int64("overflow", overflow),
			)
		}

		p.report(ctx, len(res.Regions), len(queue), res.Missed)
		if counted%logEvery == 0 {
			found := len(res.Regions)
			p.logger.Info("partitioning",
				zap.Int("found", found),
				zap.Int("queued", len(queue)),
				zap.String("ratio", fmt.Sprintf("%d/%d", found, found+len(queue))),
			)
		}
	}
	p.logger.Info("partitioning complete",
		zap.Int("regions", len(res.Regions)),
		zap.Int64("expected", crawler.TotalCount(res.Regions)),
		zap.Int64("missed", res.Missed),
		zap.Int("queries", counted),
	)
	return res, nil
}

func (p *Partitioner) report(ctx context.Context, found, queued int, missed int64) {
	runID, ok := progress.RunIDFromContext(ctx)
	if !ok {
		return
	}
	ts := time.Now().UTC()
	if p.clock != nil {
		ts = p.clock.Now()
	}
	p.emitter.Emit(progress.Event{
		RunID:  runID,
		TS:     ts,
		Stage:  progress.StagePartitionProgress,
		Found:  int64(found),
		Queued: int64(queued),
		Missed: missed,
	})
}
