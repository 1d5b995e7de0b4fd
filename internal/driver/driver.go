// Package driver orchestrates a census run: partition, checkpoint, fetch each
// region in order, merge the output, and publish the artifact.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/checkpoint"
	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/fetch"
	"github.com/JakeFAU/repo-census/internal/logging"
	"github.com/JakeFAU/repo-census/internal/output"
	"github.com/JakeFAU/repo-census/internal/partition"
	"github.com/JakeFAU/repo-census/internal/progress"
)

const mergedContentType = "application/json"

// Partitioner splits the search space into regions.
type Partitioner interface {
	Partition(ctx context.Context, initial crawler.RangeFilter) (partition.Result, error)
}

// RegionFetcher collects the records of one region.
type RegionFetcher interface {
	FetchRegion(ctx context.Context, region crawler.Region) (fetch.Result, error)
}

// Options are the run parameters.
type Options struct {
	// Initial is the search space to partition.
	Initial crawler.RangeFilter
	// OutputPath is the JSON-lines (later merged) output file.
	OutputPath string
	// CheckpointPath is where partitioning and progress are persisted.
	CheckpointPath string
	// ArtifactPrefix prefixes the blob path of the uploaded output.
	ArtifactPrefix string
	// Topic receives the completion message when a publisher is set.
	Topic string
}

// Deps are the collaborators of a Driver. BlobStore and Publisher are
// optional; the rest default when nil.
type Deps struct {
	Partitioner Partitioner
	Fetcher     RegionFetcher
	Hasher      crawler.Hasher
	BlobStore   crawler.BlobStore
	Publisher   crawler.Publisher
	Clock       crawler.Clock
	IDGen       crawler.IDGenerator
	Emitter     progress.Emitter
	Logger      *zap.Logger
}

// RunOptions select how Run starts.
type RunOptions struct {
	// Resume continues from an existing checkpoint instead of partitioning.
	Resume bool
}

// Summary reports a finished run.
type Summary struct {
	RunID       string
	Regions     int
	Total       int64
	Processed   int64
	Missed      int64
	Skipped     int
	Output      string
	Digest      string
	ArtifactURI string
	MessageID   string
	Resumed     bool
	Duration    time.Duration
}

// Completion is the message published when a run finishes.
type Completion struct {
	RunID       string    `json:"run_id"`
	Output      string    `json:"output"`
	Digest      string    `json:"sha256"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	Regions     int       `json:"regions"`
	Expected    int64     `json:"expected"`
	Records     int64     `json:"records"`
	Missed      int64     `json:"missed"`
	Skipped     int       `json:"skipped"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Driver runs the census pipeline.
type Driver struct {
	opts Options
	deps Deps
}

// New validates opts and deps and builds a Driver.
func New(opts Options, deps Deps) (*Driver, error) {
	if opts.OutputPath == "" {
		return nil, errors.New("driver: output path is required")
	}
	if opts.CheckpointPath == "" {
		return nil, errors.New("driver: checkpoint path is required")
	}
	if deps.Partitioner == nil || deps.Fetcher == nil {
		return nil, errors.New("driver: partitioner and fetcher are required")
	}
	if deps.Hasher == nil || deps.Clock == nil || deps.IDGen == nil {
		return nil, errors.New("driver: hasher, clock and id generator are required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Driver{opts: opts, deps: deps}, nil
}

// Partition computes the regions of the configured search space and saves a
// fresh checkpoint, discarding any previous output.
func (d *Driver) Partition(ctx context.Context) (*checkpoint.Checkpoint, error) {
	runID, err := d.deps.IDGen.NewID()
	if err != nil {
		return nil, err
	}
	return d.partition(d.withRun(ctx, runID), runID)
}

func (d *Driver) partition(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	log := logging.ForRun(d.deps.Logger, runID)
	log.Info("partitioning search space",
		zap.Stringer("filter", d.opts.Initial),
	)
	res, err := d.deps.Partitioner.Partition(ctx, d.opts.Initial)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}
	now := d.deps.Clock.Now()
	cp := &checkpoint.Checkpoint{
		RunID:     runID,
		Regions:   res.Regions,
		Bounds:    checkpoint.BoundsOf(d.opts.Initial),
		Missed:    res.Missed,
		Output:    d.opts.OutputPath,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := checkpoint.Save(d.opts.CheckpointPath, cp); err != nil {
		return nil, err
	}
	if err := os.Remove(d.opts.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale output: %w", err)
	}
	log.Info("checkpoint saved",
		zap.String("path", d.opts.CheckpointPath),
		zap.Int("regions", len(cp.Regions)),
		zap.String("expected", humanize.Comma(cp.Expected())),
		zap.Int64("missed", cp.Missed),
	)
	return cp, nil
}

// Run executes the whole pipeline and returns the run summary.
func (d *Driver) Run(ctx context.Context, ro RunOptions) (Summary, error) {
	start := d.deps.Clock.Now()
	cp, resumed, err := d.prepare(ctx, ro)
	if err != nil {
		return Summary{}, err
	}
	ctx = d.withRun(ctx, cp.RunID)
	d.emitRun(ctx, progress.StageRunStart, cp, 0, "")

	log := logging.ForRun(d.deps.Logger, cp.RunID)
	sum, err := d.crawl(ctx, cp, log)
	sum.Resumed = resumed
	sum.Duration = d.deps.Clock.Now().Sub(start)
	if err != nil {
		d.emitRun(ctx, progress.StageRunError, cp, sum.Duration, err.Error())
		return sum, err
	}
	d.emitRun(ctx, progress.StageRunDone, cp, sum.Duration, "")
	d.logSummary(sum, log)
	return sum, nil
}

func (d *Driver) prepare(ctx context.Context, ro RunOptions) (*checkpoint.Checkpoint, bool, error) {
	if ro.Resume {
		if checkpoint.Exists(d.opts.CheckpointPath) {
			cp, err := checkpoint.Load(d.opts.CheckpointPath)
			if err != nil {
				return nil, false, err
			}
			if cp.Output == "" {
				cp.Output = d.opts.OutputPath
			}
			logging.ForRun(d.deps.Logger, cp.RunID).Info("resuming from checkpoint",
				zap.Int("completed", cp.Completed),
				zap.Int("regions", len(cp.Regions)),
				zap.String("output", cp.Output),
			)
			return cp, true, nil
		}
		d.deps.Logger.Warn("no checkpoint to resume from, starting a fresh run",
			zap.String("path", d.opts.CheckpointPath))
	}
	cp, err := d.Partition(ctx)
	return cp, false, err
}

func (d *Driver) crawl(ctx context.Context, cp *checkpoint.Checkpoint, log *zap.Logger) (Summary, error) {
	sum := Summary{
		RunID:   cp.RunID,
		Regions: len(cp.Regions),
		Total:   cp.Expected(),
		Missed:  cp.Missed,
		Output:  cp.Output,
	}
	if _, statErr := os.Stat(cp.Output); !cp.Done() || statErr != nil {
		if err := d.fetchPending(ctx, cp, sum.Total, log); err != nil {
			sum.Processed, sum.Skipped = cp.Processed, cp.Skipped
			return sum, err
		}
	}
	sum.Processed, sum.Skipped = cp.Processed, cp.Skipped

	if _, err := output.Merge(cp.Output); err != nil {
		return sum, err
	}
	digest, err := d.digest(cp.Output)
	if err != nil {
		return sum, err
	}
	sum.Digest = digest
	sum.ArtifactURI = d.upload(ctx, cp, log)
	sum.MessageID = d.publish(ctx, sum, log)
	return sum, nil
}

// fetchPending fetches every region after cp.Completed, appending one line
// and saving the checkpoint per region.
func (d *Driver) fetchPending(ctx context.Context, cp *checkpoint.Checkpoint, total int64, log *zap.Logger) error {
	app, err := output.OpenAppender(cp.Output, cp.OutputOffset)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	for i := cp.Completed; i < len(cp.Regions); i++ {
		region := cp.Regions[i]
		regionStart := d.deps.Clock.Now()
		res, err := d.deps.Fetcher.FetchRegion(ctx, region)
		if err != nil {
			return fmt.Errorf("region %d (%s): %w", i, region.Filter, err)
		}
		offset, err := app.Append(res.Records)
		if err != nil {
			return err
		}
		cp.Completed = i + 1
		cp.OutputOffset = offset
		cp.Processed += int64(len(res.Records))
		if res.Skipped {
			cp.Skipped++
		}
		cp.UpdatedAt = d.deps.Clock.Now()
		if err := checkpoint.Save(d.opts.CheckpointPath, cp); err != nil {
			return err
		}
		d.emitRegion(ctx, i, region, res, cp.UpdatedAt.Sub(regionStart))
		log.Info("region done",
			zap.Int("index", i),
			zap.Stringer("filter", region.Filter),
			zap.Int64("expected", region.Count),
			zap.Int("records", len(res.Records)),
			zap.String("processed", fmt.Sprintf("%s/%s",
				humanize.Comma(cp.Processed), humanize.Comma(total))),
		)
	}
	if err := app.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	return nil
}

// Merge flattens a JSON-lines output file into one JSON array.
func Merge(path string) (output.MergeStats, error) {
	return output.Merge(path)
}

// OutputOf returns the output file recorded in the checkpoint at
// checkpointPath, or fallback when there is no usable checkpoint.
func OutputOf(checkpointPath, fallback string) string {
	if !checkpoint.Exists(checkpointPath) {
		return fallback
	}
	cp, err := checkpoint.Load(checkpointPath)
	if err != nil || cp.Output == "" {
		return fallback
	}
	return cp.Output
}

func (d *Driver) digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()
	return d.deps.Hasher.Hash(f)
}

func (d *Driver) upload(ctx context.Context, cp *checkpoint.Checkpoint, log *zap.Logger) string {
	if d.deps.BlobStore == nil {
		return ""
	}
	f, err := os.Open(cp.Output)
	if err != nil {
		log.Warn("artifact upload skipped", zap.Error(err))
		return ""
	}
	defer func() { _ = f.Close() }()
	key := filepath.ToSlash(filepath.Join(d.opts.ArtifactPrefix, cp.RunID, filepath.Base(cp.Output)))
	uri, err := d.deps.BlobStore.PutObject(ctx, key, mergedContentType, f)
	if err != nil {
		log.Warn("artifact upload failed", zap.String("path", key), zap.Error(err))
		return ""
	}
	log.Info("artifact uploaded", zap.String("uri", uri))
	return uri
}

func (d *Driver) publish(ctx context.Context, sum Summary, log *zap.Logger) string {
	if d.deps.Publisher == nil || d.opts.Topic == "" {
		return ""
	}
	msg := Completion{
		RunID:       sum.RunID,
		Output:      sum.Output,
		Digest:      sum.Digest,
		ArtifactURI: sum.ArtifactURI,
		Regions:     sum.Regions,
		Expected:    sum.Total,
		Records:     sum.Processed,
		Missed:      sum.Missed,
		Skipped:     sum.Skipped,
		FinishedAt:  d.deps.Clock.Now(),
	}
	id, err := d.deps.Publisher.Publish(ctx, d.opts.Topic, msg)
	if err != nil {
		log.Warn("completion publish failed", zap.String("topic", d.opts.Topic), zap.Error(err))
		return ""
	}
	return id
}

func (d *Driver) logSummary(sum Summary, log *zap.Logger) {
	fields := []zap.Field{
		zap.Int("regions", sum.Regions),
		zap.String("processed", humanize.Comma(sum.Processed)),
		zap.String("expected", humanize.Comma(sum.Total)),
		zap.String("missed", humanize.Comma(sum.Missed)),
		zap.Int("skipped_regions", sum.Skipped),
		zap.String("output", sum.Output),
		zap.String("sha256", sum.Digest),
		zap.Duration("duration", sum.Duration),
	}
	if sum.ArtifactURI != "" {
		fields = append(fields, zap.String("artifact", sum.ArtifactURI))
	}
	log.Info("census complete", fields...)
	if sum.Missed > 0 {
		log.Warn("some repositories were unreachable behind oversized regions",
			zap.String("missed", humanize.Comma(sum.Missed)))
	}
}

func (d *Driver) withRun(ctx context.Context, runID string) context.Context {
	id, err := uuid.Parse(runID)
	if err != nil {
		return ctx
	}
	return progress.WithRunID(ctx, progress.UUIDToBytes(id))
}

func (d *Driver) emitRun(ctx context.Context, stage progress.Stage, cp *checkpoint.Checkpoint, dur time.Duration, note string) {
	runID, ok := progress.RunIDFromContext(ctx)
	if !ok {
		return
	}
	d.deps.Emitter.Emit(progress.Event{
		RunID:   runID,
		TS:      d.deps.Clock.Now(),
		Stage:   stage,
		Count:   cp.Expected(),
		Records: cp.Processed,
		Found:   int64(len(cp.Regions)),
		Missed:  cp.Missed,
		Dur:     max(dur, 0),
		Note:    note,
	})
}

func (d *Driver) emitRegion(ctx context.Context, index int, region crawler.Region, res fetch.Result, dur time.Duration) {
	runID, ok := progress.RunIDFromContext(ctx)
	if !ok {
		return
	}
	outcome, note := progress.OutcomeOK, ""
	if res.Skipped {
		outcome = progress.OutcomeSkipped
		if res.SkipErr != nil {
			note = res.SkipErr.Error()
		}
	}
	d.deps.Emitter.Emit(progress.Event{
		RunID:   runID,
		TS:      d.deps.Clock.Now(),
		Stage:   progress.StageRegionDone,
		Outcome: outcome,
		Region:  region.Filter.String(),
		Index:   index,
		Count:   region.Count,
		Records: int64(len(res.Records)),
		Dur:     max(dur, 0),
		Note:    note,
	})
}
