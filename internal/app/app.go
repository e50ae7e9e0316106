// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spiderfleet/internal/api"
	"github.com/JakeFAU/spiderfleet/internal/clock"
	"github.com/JakeFAU/spiderfleet/internal/codecache"
	"github.com/JakeFAU/spiderfleet/internal/config"
	"github.com/JakeFAU/spiderfleet/internal/engine"
	collyfetcher "github.com/JakeFAU/spiderfleet/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/spiderfleet/internal/fetcher/headless"
	"github.com/JakeFAU/spiderfleet/internal/hash/sha256"
	"github.com/JakeFAU/spiderfleet/internal/headless/detector"
	"github.com/JakeFAU/spiderfleet/internal/id/uuid"
	"github.com/JakeFAU/spiderfleet/internal/lifecycle"
	"github.com/JakeFAU/spiderfleet/internal/loader"
	"github.com/JakeFAU/spiderfleet/internal/logging"
	"github.com/JakeFAU/spiderfleet/internal/metrics"
	"github.com/JakeFAU/spiderfleet/internal/orchestrator"
	"github.com/JakeFAU/spiderfleet/internal/progress"
	"github.com/JakeFAU/spiderfleet/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/spiderfleet/internal/publisher/memory"
	pubpubsub "github.com/JakeFAU/spiderfleet/internal/publisher/pubsub"
	"github.com/JakeFAU/spiderfleet/internal/rate"
	"github.com/JakeFAU/spiderfleet/internal/registry"
	"github.com/JakeFAU/spiderfleet/internal/spider"
	"github.com/JakeFAU/spiderfleet/internal/storage"
	"github.com/JakeFAU/spiderfleet/internal/storage/gcs"
	"github.com/JakeFAU/spiderfleet/internal/storage/local"
	blobmemory "github.com/JakeFAU/spiderfleet/internal/storage/memory"
	"github.com/JakeFAU/spiderfleet/internal/store"
	storememory "github.com/JakeFAU/spiderfleet/internal/store/memory"
	"github.com/JakeFAU/spiderfleet/internal/store/postgres"
	"github.com/JakeFAU/spiderfleet/internal/store/sqlite"
	"github.com/JakeFAU/spiderfleet/internal/telemetry"
	"github.com/JakeFAU/spiderfleet/internal/updater"
)

// App holds the services of one orchestrator process. It is built once at
// startup by New and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        *store.Guarded
	registry     *registry.Registry
	performer    *lifecycle.Performer
	rate         *rate.Controller
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
	hub          *progress.Hub

	ready   atomic.Bool
	closers []func() error
}

// New builds every service from cfg. On error, whatever was already opened
// is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger, registry: registry.New()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.Tracing.Version,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return a, err
	}

	inner, err := openStore(ctx, cfg.Store)
	if err != nil {
		return a, err
	}
	a.store = store.NewGuarded(inner, store.Config{
		Dir:     cfg.Store.CrudErrorDir,
		LogSize: cfg.Store.ErrorLogSize,
		OnFailure: func(op string, kind store.OpKind) {
			m.ObserveStoreFailure(op, string(kind))
		},
	}, logger)

	blobs, err := a.openBlobs(ctx, cfg.Storage)
	if err != nil {
		return a, err
	}
	publisher, err := a.openPublisher(ctx, cfg.PubSub)
	if err != nil {
		return a, err
	}

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return a, fmt.Errorf("progress prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewStatsSink(a.store, logger.Named("stats")),
	)

	eng, err := a.buildEngine(cfg, blobs)
	if err != nil {
		return a, err
	}

	ld := loader.New(a.store, codecache.New(), logger)
	a.performer, err = lifecycle.New(lifecycle.Deps{
		Store:     a.store,
		Loader:    ld,
		Engine:    eng,
		Registry:  a.registry,
		Purger:    storage.NewPurger(blobs, cfg.Storage.Prefix, cfg.Logging.SpiderLogDir, logger),
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return a, err
	}

	a.rate, err = rate.New(a.store, a.registry, rate.Bounds{Min: cfg.Rate.Min, Max: cfg.Rate.Max}, m, logger)
	if err != nil {
		return a, err
	}

	newCoordinator := func() (*updater.Coordinator, error) {
		return updater.New(updater.Config{GeneralSpider: cfg.Updater.GeneralSpider}, updater.Deps{
			Store:    a.store,
			Loader:   ld,
			Engine:   eng,
			Registry: a.registry,
			Observer: m,
			Logger:   logger,
		})
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Interval:         cfg.Orchestrator.Interval,
		MaxUpdateRecords: cfg.Orchestrator.MaxUpdateRecords,
	}, orchestrator.Deps{
		Store:          a.store,
		Finder:         lifecycle.NewFinder(a.store, cfg.Orchestrator.Statuses()),
		Performer:      a.performer,
		Rate:           a.rate,
		NewCoordinator: newCoordinator,
		Registry:       a.registry,
		Drain:          a.hub.Close,
		Logger:         logger,
	})
	if err != nil {
		return a, err
	}

	a.server, err = api.NewServer(api.Deps{
		Spiders:     a.registry,
		Transitions: a.performer.Guard(),
		Failures:    a.store,
		Metrics:     m,
		Ready:       a.readiness,
		APIKey:      cfg.Server.APIKey,
		Logger:      logger,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (spider.Store, error) {
	switch cfg.Provider {
	case "memory":
		return storememory.New(clock.System{}), nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, TablePrefix: cfg.TablePrefix, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			return nil, errors.Join(err, s.Close())
		}
		return s, nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Provider)
	}
}

func (a *App) openBlobs(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "memory":
		return blobmemory.NewBlobStore(), nil
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.PubSubConfig) (spider.Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		a.logger.Info("pubsub not configured, lifecycle events stay in memory")
		return pubmemory.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := pubpubsub.New(client.Topic(cfg.Topic))
	a.closers = append(a.closers, func() error {
		p.Stop()
		return client.Close()
	})
	a.logger.Info("publishing lifecycle events", zap.String("topic", cfg.Topic))
	return p, nil
}

func (a *App) buildEngine(cfg config.Config, blobs storage.BlobStore) (*engine.Engine, error) {
	deps := engine.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Engine.UserAgent,
			RespectRobots: cfg.Engine.RespectRobots,
			Timeout:       cfg.Engine.RequestTimeout,
		}),
		Records:  a.store,
		Blobs:    blobs,
		Hasher:   sha256.New(),
		IDs:      uuid.New(),
		Progress: a.hub,
		Logs:     logging.SpiderLogs(a.logger, cfg.Logging.SpiderLogDir, cfg.Logging.SpiderErrorLog),
		Logger:   a.logger,
	}
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Engine.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() error {
				hf.Close()
				return nil
			})
			deps.Headless = hf
			deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
		}
	}
	return engine.New(engine.Config{
		UserAgent:          cfg.Engine.UserAgent,
		Concurrency:        cfg.Engine.Concurrency,
		PerHostConcurrency: cfg.Engine.PerHostConcurrency,
		DownloadDelay:      cfg.Engine.DownloadDelay,
		RequestTimeout:     cfg.Engine.RequestTimeout,
		MaxDepth:           cfg.Engine.MaxDepth,
		ArchivePrefix:      cfg.Storage.Prefix,
	}, deps)
}

func (a *App) readiness(context.Context) error {
	if !a.ready.Load() {
		return errors.New("orchestrator not running")
	}
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the control loops.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Registry returns the running-spider registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Store returns the guarded document store.
func (a *App) Store() *store.Guarded { return a.store }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// ApplyConfig pushes the live-reloadable settings of a changed config file.
// Only the rate band is reloaded; other sections need a restart.
func (a *App) ApplyConfig(cfg config.Config, err error) {
	if err != nil {
		a.logger.Error("ignore invalid config change", zap.Error(err))
		return
	}
	b := rate.Bounds{Min: cfg.Rate.Min, Max: cfg.Rate.Max}
	if err := a.rate.SetBounds(b); err != nil {
		a.logger.Error("ignore invalid rate band", zap.Error(err))
		return
	}
	a.logger.Info("reloaded rate band", zap.Int("min", b.Min), zap.Int("max", b.Max))
}

// Run drives the orchestrator and, when enabled, the admin server until ctx
// is done. Running spiders are stopped before it returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.ready.Store(true)
	defer a.ready.Store(false)

	g.Go(func() error {
		return a.orchestrator.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops the orchestrator if Run has not already done so, which
// drains the progress hub and closes the store, then releases cloud clients
// and the headless browser.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.orchestrator.Stop(ctx); err != nil {
			a.logger.Warn("error stopping orchestrator", zap.Error(err))
		}
		cancel()
	} else {
		if a.hub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("error closing progress hub", zap.Error(err))
			}
			cancel()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn("error closing store", zap.Error(err))
			}
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
