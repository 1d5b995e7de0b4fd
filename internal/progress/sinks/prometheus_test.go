package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-census/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StagePartitionProgress, Found: 3, Queued: 5},
		{
			RunID:   runID,
			TS:      now.Add(time.Second),
			Stage:   progress.StageRequestDone,
			Op:      "search",
			Outcome: progress.OutcomeOK,
			Dur:     200 * time.Millisecond,
		},
		{
			RunID:   runID,
			TS:      now.Add(2 * time.Second),
			Stage:   progress.StageRequestDone,
			Op:      "search",
			Outcome: progress.OutcomeRateLimited,
		},
		{
			RunID:   runID,
			TS:      now.Add(3 * time.Second),
			Stage:   progress.StageRegionDone,
			Region:  "stars:5..9 created:2020-01-01..2020-01-31",
			Outcome: progress.OutcomeOK,
			Records: 240,
			Dur:     3 * time.Second,
		},
		{RunID: runID, TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second, Missed: 12},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 12.0, testutil.ToFloat64(sink.recordsMissed))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.partitionFound))
	require.Equal(t, 5.0, testutil.ToFloat64(sink.partitionQueue))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("search", "ok")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("search", "rate_limited")), 1e-9)
	require.InDelta(t, 240.0, testutil.ToFloat64(sink.recordsFetched), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.regionsDone.WithLabelValues("ok")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.requestDuration, "census_request_duration_seconds"))
}

// TestPrometheusSinkRunningGauge tracks concurrent runs and error completion.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunError, Note: "boom"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
