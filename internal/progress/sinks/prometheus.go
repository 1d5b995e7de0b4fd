package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/repo-census/internal/progress"
)

// PrometheusSink exports census progress metrics via Prometheus. It owns all
// collectors for runs, partitioning, regions, and API requests.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	recordsMissed prometheus.Gauge

	partitionFound prometheus.Gauge
	partitionQueue prometheus.Gauge

	regionsDone    *prometheus.CounterVec
	recordsFetched prometheus.Counter
	regionDuration prometheus.Histogram

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "census_runs_started_total",
			Help: "Total census runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "census_runs_completed_total",
			Help: "Total census runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "census_runs_running",
			Help: "Current number of running census runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "census_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: prometheus.ExponentialBuckets(60, 4, 8),
		}, []string{"result"}),
		recordsMissed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "census_records_missed",
			Help: "Records unreachable behind oversized regions in the last completed run.",
		}),
		partitionFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "census_partition_regions_found",
			Help: "Regions emitted so far by the current partitioning pass.",
		}),
		partitionQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "census_partition_queue_depth",
			Help: "Filters awaiting a count check in the current partitioning pass.",
		}),
		regionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "census_regions_completed_total",
			Help: "Regions fetched partitioned by outcome.",
		}, []string{"outcome"}),
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "census_records_fetched_total",
			Help: "Repository records written to the output stream.",
		}),
		regionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "census_region_duration_seconds",
			Help:    "Time spent paginating one region.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "census_requests_total",
			Help: "Search API request attempts partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "census_request_duration_seconds",
			Help:    "Search API request latency partitioned by operation.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.recordsMissed,
		s.partitionFound,
		s.partitionQueue,
		s.regionsDone,
		s.recordsFetched,
		s.regionDuration,
		s.requests,
		s.requestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePartitionProgress:
		s.partitionFound.Set(float64(evt.Found))
		s.partitionQueue.Set(float64(evt.Queued))
	case progress.StageRegionDone:
		s.regionsDone.WithLabelValues(string(evt.Outcome)).Inc()
		if evt.Records > 0 {
			s.recordsFetched.Add(float64(evt.Records))
		}
		if evt.Dur > 0 {
			s.regionDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageRequestDone:
		s.requests.WithLabelValues(evt.Op, string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.requestDuration.WithLabelValues(evt.Op).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.recordsMissed.Set(float64(evt.Missed))
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
