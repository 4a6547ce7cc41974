// Package app builds the long-lived services of the crawler from a Config and
// owns their shutdown. It is the only place that knows which backend
// implements which store.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/api"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/catalog"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/clock/system"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/config"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/dispatcher"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/events/sinks"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/id/uuid"
	pubsubpublisher "github.com/JakeFAU/xkcd-l10n-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/source/html"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/gcs"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/local"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/memory"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/postgres"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/telemetry"
)

// App holds the shared services. Build it once with New and release it with
// Close.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	Catalog    *catalog.Catalog
	Progress   crawler.ProgressStore
	Steps      crawler.StepStore
	Dedup      crawler.DedupIndex
	Events     *events.Hub
	Runner     *runner.Runner
	Dispatcher *dispatcher.Dispatcher

	pool    *pgxpool.Pool
	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	sources []crawler.Source
	gcs     *gstorage.Client
	pubsub  *gpubsub.Client
}

// WithSources replaces the adapter built from each configured source with the
// given one, matched by key. Used to run the service against fakes.
func WithSources(sources ...crawler.Source) Option {
	return func(o *options) { o.sources = append(o.sources, sources...) }
}

// WithStorageClient reuses an existing GCS client instead of dialing one.
func WithStorageClient(c *gstorage.Client) Option {
	return func(o *options) { o.gcs = c }
}

// WithPubSubClient reuses an existing Pub/Sub client instead of dialing one.
func WithPubSubClient(c *gpubsub.Client) Option {
	return func(o *options) { o.pubsub = c }
}

// New builds every service described by cfg. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.openStores(ctx, o); err != nil {
		return nil, err
	}
	if err := a.openEvents(ctx, o); err != nil {
		return nil, err
	}
	if a.Catalog, err = buildCatalog(cfg, logger, o.sources); err != nil {
		return nil, err
	}

	a.Runner, err = runner.New(runner.Deps{
		Progress: a.Progress,
		Steps:    a.Steps,
		Dedup:    a.Dedup,
		Clock:    system.New(),
		IDs:      uuid.New(),
		Events:   a.Events,
		Logger:   logger,
	},
		runner.WithResumeWindow(cfg.Runner.ResumeWindow),
		runner.WithLookupChunk(cfg.Runner.LookupChunk),
	)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}

	a.Dispatcher = dispatcher.New(a.Runner, a.Catalog, dispatcher.Config{
		RunOnStart: cfg.Scheduler.RunOnStart,
		RunTimeout: cfg.Scheduler.RunTimeout,
	}, logger.Named("dispatcher"))
	a.closers = append(a.closers, a.Dispatcher.Close)

	logger.Info("application services initialized",
		zap.Strings("sources", a.Catalog.Keys()),
		zap.String("progress_backend", cfg.Progress.Backend),
		zap.String("dedup_backend", cfg.Dedup.Backend),
		zap.String("steps_backend", cfg.Steps.Backend),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context, o options) error {
	cfg := a.Config

	var lite *sqlite.Store
	if cfg.Uses(config.BackendSQLite) {
		s, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		lite = s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	}
	if cfg.Uses(config.BackendPostgres) {
		pool, err := postgres.Connect(ctx, cfg.DB)
		if err != nil {
			return err
		}
		a.pool = pool
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool, cfg.Tables); err != nil {
			return err
		}
	}

	var err error
	switch cfg.Progress.Backend {
	case config.BackendMemory:
		a.Progress = memory.NewProgressStore()
	case config.BackendLocal:
		a.Progress, err = local.New(local.Config{BaseDir: cfg.Progress.Dir})
	case config.BackendGCS:
		client := o.gcs
		if client == nil {
			if client, err = gstorage.NewClient(ctx); err != nil {
				return fmt.Errorf("create storage client: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
		a.Progress, err = gcs.NewProgressStore(client, gcs.Config{Bucket: cfg.Progress.Bucket, Prefix: cfg.Progress.Prefix})
	case config.BackendPostgres:
		a.Progress, err = postgres.NewProgressStore(a.pool, cfg.Tables.Progress)
	case config.BackendSQLite:
		a.Progress = lite.Progress()
	default:
		err = fmt.Errorf("unknown progress backend %q", cfg.Progress.Backend)
	}
	if err != nil {
		return fmt.Errorf("progress store: %w", err)
	}

	switch cfg.Dedup.Backend {
	case config.BackendMemory:
		a.Dedup = memory.NewDedupIndex()
	case config.BackendPostgres:
		a.Dedup, err = postgres.NewDedupIndex(a.pool, cfg.Tables.Items)
	case config.BackendSQLite:
		a.Dedup = lite.Dedup()
	default:
		err = fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
	if err != nil {
		return fmt.Errorf("dedup index: %w", err)
	}

	switch cfg.Steps.Backend {
	case config.BackendMemory:
		a.Steps = memory.NewStepStore()
	case config.BackendPostgres:
		a.Steps, err = postgres.NewStepStore(a.pool, cfg.Tables)
	case config.BackendSQLite:
		a.Steps = lite.Steps()
	default:
		err = fmt.Errorf("unknown steps backend %q", cfg.Steps.Backend)
	}
	if err != nil {
		return fmt.Errorf("step store: %w", err)
	}
	return nil
}

func (a *App) openEvents(ctx context.Context, o options) error {
	cfg := a.Config
	prom, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	list := []events.Sink{sinks.NewLogSink(a.Logger.Named("events")), prom}

	if cfg.PubSub.Topic != "" {
		client := o.pubsub
		if client == nil {
			if client, err = gpubsub.NewClient(ctx, cfg.PubSub.ProjectID); err != nil {
				return fmt.Errorf("create pubsub client: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		}
		pub := pubsubpublisher.New(client)
		a.closers = append(a.closers, func(context.Context) error { pub.Close(); return nil })
		list = append(list, sinks.NewPublishSink(pub, cfg.PubSub.Topic, a.Logger.Named("publish")))
	}

	a.Events = events.NewHub(events.Config{
		BufferSize: cfg.Events.BufferSize,
		MaxBatch:   cfg.Events.MaxBatch,
		MaxWait:    cfg.Events.MaxWait,
		Logger:     a.Logger,
	}, list...)
	a.closers = append(a.closers, a.Events.Close)
	return nil
}

func buildCatalog(cfg config.Config, logger *zap.Logger, overrides []crawler.Source) (*catalog.Catalog, error) {
	byKey := make(map[string]crawler.Source, len(overrides))
	for _, s := range overrides {
		byKey[s.Key()] = s
	}
	entries := make([]catalog.Entry, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, ok := byKey[sc.Key]
		if !ok {
			h, err := html.New(cfg.SourceHTML(sc), logger.Named("source"))
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Key, err)
			}
			src = h
		}
		entries = append(entries, catalog.Entry{
			Key:      sc.Key,
			Language: sc.Language,
			Cadence:  sc.Cadence,
			Budget:   sc.Budget,
			Source:   src,
		})
	}
	return catalog.New(entries...)
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

// Handler builds the HTTP API over the app's services.
func (a *App) Handler() (http.Handler, error) {
	metrics, err := telemetry.NewHTTPMetrics(a.Registry)
	if err != nil {
		return nil, err
	}
	apiKey := ""
	if a.Config.Auth.Enabled {
		apiKey = a.Config.Auth.APIKey
	}
	srv := api.NewServer(api.Deps{
		Catalog:    a.Catalog,
		Progress:   a.Progress,
		Dispatcher: a.Dispatcher,
		Gatherer:   a.Registry,
		Metrics:    metrics,
		Logger:     a.Logger.Named("api"),
	}, api.Config{
		APIKey:         apiKey,
		RequestTimeout: a.Config.Server.RequestTimeout,
		Ready:          a.Ready,
	})
	return srv.Handler(), nil
}

// Close stops background runs, flushes events, and releases every backend in
// reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
