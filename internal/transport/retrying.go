// Package transport wraps search API calls with pacing, fixed-backoff
// retries, and rate-limit waits.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/progress"
)

const (
	tracerName         = "github.com/JakeFAU/repo-census/internal/transport"
	minRateLimitPause  = time.Second
	defaultEndpointKey = "search"
)

// Pacer throttles outbound requests before they are sent.
type Pacer interface {
	Wait(ctx context.Context, endpoint string) (time.Duration, error)
}

// Options tunes a Retrying transport.
type Options struct {
	// Endpoint keys the pacer; usually the GraphQL URL.
	Endpoint string
	// MaxRateLimitWait caps the cumulative time one call may spend waiting
	// out rate limits. Zero waits as long as the server asks.
	MaxRateLimitWait time.Duration
	// RateLimitSlack is added to every reset wait.
	RateLimitSlack time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Retrying executes calls with the retry policy and honors rate-limit resets
// without spending the retry budget on them.
type Retrying struct {
	policy  crawler.RetryPolicy
	clock   crawler.Clock
	pacer   Pacer
	emitter progress.Emitter
	tracer  trace.Tracer
	logger  *zap.Logger
	opts    Options
}

// New wires a Retrying transport. pacer and emitter may be nil.
func New(
	policy crawler.RetryPolicy,
	clock crawler.Clock,
	pacer Pacer,
	emitter progress.Emitter,
	logger *zap.Logger,
	opts Options,
) *Retrying {
	if policy == nil {
		policy = crawler.DefaultRetryPolicy()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpointKey
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Retrying{
		policy:  policy,
		clock:   clock,
		pacer:   pacer,
		emitter: emitter,
		tracer:  tp.Tracer(tracerName),
		logger:  logger,
		opts:    opts,
	}
}

// Execute runs call until it succeeds, the retry policy gives up, or ctx ends.
// Exhausted retries are reported as *crawler.TransportError.
func (t *Retrying) Execute(ctx context.Context, op string, call func(context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "census."+op, trace.WithAttributes(attribute.String("census.op", op)))
	defer span.End()

	attempts := 0
	var rateLimited time.Duration
	for {
		if t.pacer != nil {
			if _, err := t.pacer.Wait(ctx, t.opts.Endpoint); err != nil {
				return t.fail(span, fmt.Errorf("%s: %w", op, err))
			}
		}
		start := t.clock.Now()
		err := call(ctx)
		dur := t.clock.Now().Sub(start)
		if err == nil {
			t.emit(ctx, op, progress.OutcomeOK, dur, "")
			span.SetAttributes(attribute.Int("census.attempts", attempts+1))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return t.fail(span, fmt.Errorf("%s: %w", op, ctxErr))
		}

		var rl *crawler.RateLimitedError
		if errors.As(err, &rl) {
			wait := rl.Reset.Sub(t.clock.Now()) + t.opts.RateLimitSlack
			if wait < minRateLimitPause {
				wait = minRateLimitPause
			}
			if t.opts.MaxRateLimitWait > 0 && rateLimited+wait > t.opts.MaxRateLimitWait {
				t.emit(ctx, op, progress.OutcomeFailed, dur, err.Error())
				return t.fail(span, fmt.Errorf("%s: rate limit wait would exceed %s: %w",
					op, t.opts.MaxRateLimitWait, err))
			}
			t.emit(ctx, op, progress.OutcomeRateLimited, dur, err.Error())
			t.logger.Warn("rate limited, sleeping until reset",
				zap.String("op", op),
				zap.Time("reset", rl.Reset),
				zap.Duration("sleep", wait),
			)
			span.AddEvent("rate_limited", trace.WithAttributes(attribute.String("census.reset", rl.Reset.UTC().Format(time.RFC3339))))
			if err := t.clock.Sleep(ctx, wait); err != nil {
				return t.fail(span, fmt.Errorf("%s: %w", op, err))
			}
			rateLimited += wait
			continue
		}

		attempts++
		if !t.policy.ShouldRetry(err, attempts) {
			t.emit(ctx, op, progress.OutcomeFailed, dur, err.Error())
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return t.fail(span, fmt.Errorf("%s: %w", op, err))
			}
			return t.fail(span, &crawler.TransportError{Op: op, Attempts: attempts, Err: err})
		}
		backoff := t.policy.Backoff(attempts)
		t.emit(ctx, op, progress.OutcomeRetry, dur, err.Error())
		t.logger.Warn("request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := t.clock.Sleep(ctx, backoff); err != nil {
			return t.fail(span, fmt.Errorf("%s: %w", op, err))
		}
	}
}

func (t *Retrying) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (t *Retrying) emit(ctx context.Context, op string, outcome progress.Outcome, dur time.Duration, note string) {
	runID, ok := progress.RunIDFromContext(ctx)
	if !ok {
		return
	}
	if dur < 0 {
		dur = 0
	}
	t.emitter.Emit(progress.Event{
		RunID:   runID,
		TS:      t.clock.Now(),
		Stage:   progress.StageRequestDone,
		Op:      op,
		Outcome: outcome,
		Dur:     dur,
		Note:    note,
	})
}
