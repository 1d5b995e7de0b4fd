// Package server builds the long-lived services of a census run and shuts
// them down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-census/internal/api"
	"github.com/JakeFAU/repo-census/internal/clock/system"
	"github.com/JakeFAU/repo-census/internal/config"
	"github.com/JakeFAU/repo-census/internal/crawler"
	"github.com/JakeFAU/repo-census/internal/driver"
	"github.com/JakeFAU/repo-census/internal/fetch"
	"github.com/JakeFAU/repo-census/internal/github"
	"github.com/JakeFAU/repo-census/internal/hash/sha256"
	"github.com/JakeFAU/repo-census/internal/id/uuid"
	"github.com/JakeFAU/repo-census/internal/partition"
	"github.com/JakeFAU/repo-census/internal/policy/ratelimit"
	"github.com/JakeFAU/repo-census/internal/progress"
	progresssinks "github.com/JakeFAU/repo-census/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/repo-census/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/repo-census/internal/storage/gcs"
	localstorage "github.com/JakeFAU/repo-census/internal/storage/local"
	memorystorage "github.com/JakeFAU/repo-census/internal/storage/memory"
	pgstore "github.com/JakeFAU/repo-census/internal/storage/postgres"
	"github.com/JakeFAU/repo-census/internal/store"
	"github.com/JakeFAU/repo-census/internal/telemetry"
	"github.com/JakeFAU/repo-census/internal/transport"
)

// Version is reported as the service version of traces.
var Version = "dev"

// Overrides let tests replace outward-facing collaborators. Zero values
// build the real ones from config.
type Overrides struct {
	// HTTPTransport replaces the base transport of the GitHub client.
	HTTPTransport http.RoundTripper
	// Clock replaces the system clock.
	Clock crawler.Clock
	// Ledger replaces the configured run ledger.
	Ledger store.LedgerRepository
}

// App contains the services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	driver    *driver.Driver
	registry  *prometheus.Registry
	hub       *progress.Hub
	ledger    store.LedgerRepository
	apiServer *api.Server

	pgLedger       *pgstore.LedgerStore
	gcsStore       *gcsstorage.BlobStore
	pubsubClient   *pubsub.Client
	pubsubPub      *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
	serverDone     chan error
}

// Build creates every dependency of the driver from cfg. On error the
// partially built services are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if err := a.build(ctx, ov); err != nil {
		a.closeInfrastructure(context.WithoutCancel(ctx))
		a.closeObservability(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, ov Overrides) error {
	token, err := a.cfg.ResolveToken()
	if err != nil {
		return err
	}
	initial, err := a.cfg.Filter(clockOr(ov.Clock).Now())
	if err != nil {
		return err
	}

	if err := a.setupTracing(ctx); err != nil {
		return err
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.setupLedger(ctx, ov.Ledger); err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDriver(ctx, token, initial, blobStore, publisher, ov); err != nil {
		return err
	}
	return a.setupAPI()
}

// Driver returns the configured pipeline driver.
func (a *App) Driver() *driver.Driver {
	return a.driver
}

// Ledger returns the run ledger.
func (a *App) Ledger() store.LedgerRepository {
	return a.ledger
}

// Registry returns the Prometheus registry served on /metrics.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// StartServer serves the status API in the background when server.port is
// set. It stops when ctx is done.
func (a *App) StartServer(ctx context.Context) {
	if a.cfg.Server.Port == 0 || a.apiServer == nil {
		return
	}
	a.serverDone = make(chan error, 1)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	go func() {
		a.serverDone <- a.apiServer.ListenAndServe(ctx, addr)
	}()
}

// Close flushes progress, stops clients and the tracer, and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.serverDone != nil {
		if err := <-a.serverDone; err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if n := a.hub.Dropped(); n > 0 {
			a.logger.Warn("progress events were dropped, metrics and ledger may be incomplete",
				zap.Int64("dropped", n))
		}
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgLedger != nil {
		a.pgLedger.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	opts := telemetry.TracingOptions{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     Version,
		Sampler:     sdktrace.ParentBased(sdktrace.TraceIDRatioBased(a.cfg.Tracing.SampleRatio)),
	}
	if a.cfg.Tracing.Endpoint != "" {
		exp, err := telemetry.NewOTLPExporter(ctx, a.cfg.Tracing.Endpoint, a.cfg.Tracing.Insecure)
		if err != nil {
			return err
		}
		opts.Exporter = exp
	}
	tp, err := telemetry.InitTracerProvider(ctx, opts)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.String("service", a.cfg.Tracing.ServiceName),
		zap.String("endpoint", a.cfg.Tracing.Endpoint),
	)
	return nil
}

func (a *App) setupLedger(ctx context.Context, override store.LedgerRepository) error {
	switch {
	case override != nil:
		a.ledger = override
	case a.cfg.DB.DSN == "":
		a.logger.Info("no db.dsn configured, keeping the run ledger in memory")
		a.ledger = memorystorage.NewLedgerStore()
	default:
		pg, err := pgstore.NewLedgerStore(ctx, pgstore.LedgerConfig{
			DSN:          a.cfg.DB.DSN,
			RunsTable:    a.cfg.DB.RunsTable,
			RegionsTable: a.cfg.DB.RegionsTable,
			MaxConns:     a.cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("ledger store init failed: %w", err)
		}
		a.pgLedger = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
		a.ledger = pg
		a.logger.Info("postgres run ledger initialized",
			zap.String("runs_table", a.cfg.DB.RunsTable),
			zap.String("regions_table", a.cfg.DB.RegionsTable),
		)
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewLedgerSink(a.ledger, a.logger.Named("progress_ledger")),
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinks...)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		s, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = s
		a.logger.Info("using GCS artifact storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return s, nil
	case config.BackendLocal:
		s, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local artifact storage", zap.String("dir", a.cfg.Storage.LocalDir))
		return s, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory artifact storage")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub topic configured, completion messages disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPub, nil
}

func (a *App) setupDriver(
	ctx context.Context,
	token string,
	initial crawler.RangeFilter,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	ov Overrides,
) error {
	clock := clockOr(ov.Clock)
	base := ov.HTTPTransport
	if base == nil {
		base = http.DefaultTransport
	}
	if a.cfg.Tracing.Enabled {
		base = otelhttp.NewTransport(base)
	}

	client, err := github.New(ctx, github.Config{
		Endpoint:  a.cfg.GitHub.Endpoint,
		Token:     token,
		Timeout:   a.cfg.RequestTimeout(),
		UserAgent: a.cfg.GitHub.UserAgent,
		Base:      base,
		Now:       clock.Now,
	})
	if err != nil {
		return fmt.Errorf("github client init failed: %w", err)
	}

	pacer := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Burst:             a.cfg.HTTP.Burst,
	})
	tr := transport.New(
		crawler.NewFixedRetryPolicy(a.cfg.HTTP.MaxRetries, a.cfg.Backoff()),
		clock,
		pacer,
		a.hub,
		a.logger.Named("transport"),
		transport.Options{
			Endpoint:         a.cfg.GitHub.Endpoint,
			MaxRateLimitWait: a.cfg.MaxRateLimitWait(),
			RateLimitSlack:   a.cfg.RateLimitSlack(),
		},
	)

	partitioner := partition.New(
		fetch.NewOracle(client, tr),
		partition.WithLimit(int64(a.cfg.Crawl.PageLimit)),
		partition.WithEmitter(a.hub),
		partition.WithLogger(a.logger.Named("partition")),
		partition.WithClock(clock),
	)
	pageRetries := a.cfg.Crawl.PageRetries
	if pageRetries == 0 {
		pageRetries = fetch.NoPageRetries
	}
	pager := fetch.NewPager(client, tr, a.logger.Named("fetch"), fetch.Options{
		PageSize:    a.cfg.Crawl.PageSize,
		PageRetries: pageRetries,
		PageLimit:   a.cfg.Crawl.PageLimit,
	})

	d, err := driver.New(driver.Options{
		Initial:        initial,
		OutputPath:     a.cfg.OutputPath(initial),
		CheckpointPath: a.cfg.CheckpointPath(),
		ArtifactPrefix: a.cfg.Storage.Prefix,
		Topic:          a.cfg.PubSub.TopicName,
	}, driver.Deps{
		Partitioner: partitioner,
		Fetcher:     pager,
		Hasher:      sha256.New(),
		BlobStore:   blobStore,
		Publisher:   publisher,
		Clock:       clock,
		IDGen:       uuid.New(),
		Emitter:     a.hub,
		Logger:      a.logger.Named("driver"),
	})
	if err != nil {
		return err
	}
	a.driver = d
	return nil
}

func (a *App) setupAPI() error {
	if a.cfg.Server.Port == 0 {
		return nil
	}
	httpMetrics, err := telemetry.NewHTTPMetrics(a.registry)
	if err != nil {
		return err
	}
	a.apiServer = api.NewServer(api.Options{
		Ledger:     a.ledger,
		Gatherer:   a.registry,
		Middleware: []func(http.Handler) http.Handler{httpMetrics.Middleware},
		Ready:      a.ready,
		Logger:     a.logger.Named("api"),
	})
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.ledger.ListRuns(ctx, nil, 1, 0); err != nil {
		return fmt.Errorf("run ledger: %w", err)
	}
	return nil
}

func clockOr(c crawler.Clock) crawler.Clock {
	if c != nil {
		return c
	}
	return system.New()
}
