package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/progress"
)

func TestExecuteSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	rec := &recordingEmitter{}
	tr := New(crawler.DefaultRetryPolicy(), clk, nil, rec, nil, Options{})

	calls := 0
	err := tr.Execute(runCtx(), "count", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, clk.Sleeps())
	require.Equal(t, []progress.Outcome{progress.OutcomeOK}, rec.Outcomes())
}

func TestExecuteRetriesWithFixedBackoff(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	rec := &recordingEmitter{}
	tr := New(crawler.NewFixedRetryPolicy(5, 5*time.Second), clk, nil, rec, nil, Options{})

	calls := 0
	err := tr.Execute(runCtx(), "search", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("502 bad gateway")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clk.Sleeps())
	require.Equal(t, []progress.Outcome{
		progress.OutcomeRetry, progress.OutcomeRetry, progress.OutcomeOK,
	}, rec.Outcomes())
}

func TestExecuteExhaustsBudget(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	tr := New(crawler.NewFixedRetryPolicy(5, 5*time.Second), clk, nil, nil, nil, Options{})

	cause := errors.New("connection reset by peer")
	calls := 0
	err := tr.Execute(context.Background(), "count", func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	var te *crawler.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 6, te.Attempts)
	require.Equal(t, "count", te.Op)
	require.ErrorIs(t, err, cause)
	require.Equal(t, 6, calls)
	require.Len(t, clk.Sleeps(), 5)
}

// TestExecuteSleepsUntilRateLimitReset waits out the reset without spending
// the retry budget.
func TestExecuteSleepsUntilRateLimitReset(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	rec := &recordingEmitter{}
	tr := New(crawler.NewFixedRetryPolicy(0, 5*time.Second), clk, nil, rec, nil, Options{})

	calls := 0
	err := tr.Execute(runCtx(), "search", func(context.Context) error {
		calls++
		if calls == 1 {
			return &crawler.RateLimitedError{Reset: clk.Now().Add(3 * time.Second)}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())
	require.Equal(t, []progress.Outcome{progress.OutcomeRateLimited, progress.OutcomeOK}, rec.Outcomes())
}

func TestExecuteRateLimitDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	tr := New(crawler.NewFixedRetryPolicy(1, time.Second), clk, nil, nil, nil, Options{})

	calls := 0
	err := tr.Execute(context.Background(), "count", func(context.Context) error {
		calls++
		switch calls {
		case 1, 2, 3:
			return &crawler.RateLimitedError{Reset: clk.Now().Add(time.Minute)}
		case 4:
			return errors.New("timeout")
		default:
			return nil
		}
	})
	require.NoError(t, err)
	require.Equal(t, 5, calls)
	require.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute, time.Second}, clk.Sleeps())
}

func TestExecuteRateLimitResetInPastPausesBriefly(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	tr := New(crawler.NewFixedRetryPolicy(0, time.Second), clk, nil, nil, nil, Options{})

	calls := 0
	require.NoError(t, tr.Execute(context.Background(), "count", func(context.Context) error {
		calls++
		if calls == 1 {
			return &crawler.RateLimitedError{Reset: clk.Now().Add(-time.Hour)}
		}
		return nil
	}))
	require.Equal(t, []time.Duration{minRateLimitPause}, clk.Sleeps())
}

func TestExecuteRateLimitCap(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	tr := New(crawler.DefaultRetryPolicy(), clk, nil, nil, nil, Options{MaxRateLimitWait: time.Minute})

	err := tr.Execute(context.Background(), "search", func(context.Context) error {
		return &crawler.RateLimitedError{Reset: clk.Now().Add(10 * time.Minute)}
	})
	require.Error(t, err)
	var rl *crawler.RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Empty(t, clk.Sleeps())
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	tr := New(crawler.DefaultRetryPolicy(), clk, nil, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	err := tr.Execute(ctx, "search", func(context.Context) error {
		cancel()
		return errors.New("request aborted")
	})
	require.ErrorIs(t, err, context.Canceled)
	var te *crawler.TransportError
	require.False(t, errors.As(err, &te))
}

func TestExecuteWaitsOnPacerEveryAttempt(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	pacer := &countingPacer{}
	tr := New(crawler.NewFixedRetryPolicy(2, time.Second), clk, pacer, nil, nil,
		Options{Endpoint: "https://api.github.com/graphql"})

	calls := 0
	require.NoError(t, tr.Execute(context.Background(), "count", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}))
	require.Equal(t, 3, pacer.waits)
	require.Equal(t, "https://api.github.com/graphql", pacer.endpoint)

	pacer.err = errors.New("limiter closed")
	err := tr.Execute(context.Background(), "count", func(context.Context) error { return nil })
	require.ErrorIs(t, err, pacer.err)
}

func TestExecuteRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	clk := newFakeClock()
	tr := New(crawler.NewFixedRetryPolicy(0, time.Second), clk, nil, nil, nil, Options{TracerProvider: tp})

	require.NoError(t, tr.Execute(context.Background(), "count", func(context.Context) error { return nil }))
	require.Error(t, tr.Execute(context.Background(), "search", func(context.Context) error {
		return errors.New("boom")
	}))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "census.count", spans[0].Name())
	require.Equal(t, "census.search", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

func runCtx() context.Context {
	return progress.WithRunID(context.Background(), progress.UUIDToBytes(uuid.New()))
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Outcomes() []progress.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Outcome, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Outcome)
	}
	return out
}

type countingPacer struct {
	waits    int
	endpoint string
	err      error
}

func (p *countingPacer) Wait(_ context.Context, endpoint string) (time.Duration, error) {
	p.waits++
	p.endpoint = endpoint
	return 0, p.err
}
