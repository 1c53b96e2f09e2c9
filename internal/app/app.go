// Package app initializes and holds long-lived crawl services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bandcamp-crawler/internal/bandcamp"
	"github.com/JakeFAU/bandcamp-crawler/internal/clock/system"
	"github.com/JakeFAU/bandcamp-crawler/internal/config"
	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/bandcamp-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/bandcamp-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/bandcamp-crawler/internal/hash/sha256"
	idgen "github.com/JakeFAU/bandcamp-crawler/internal/id/uuid"
	"github.com/JakeFAU/bandcamp-crawler/internal/metrics"
	"github.com/JakeFAU/bandcamp-crawler/internal/progress"
	"github.com/JakeFAU/bandcamp-crawler/internal/progress/sinks"
	gcsstore "github.com/JakeFAU/bandcamp-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/bandcamp-crawler/internal/storage/local"
	"github.com/JakeFAU/bandcamp-crawler/internal/storage/postgres"
	"github.com/JakeFAU/bandcamp-crawler/internal/storage/sqlite"
)

// GCSClientFactory creates Cloud Storage clients; swapped out in tests.
type GCSClientFactory func(ctx context.Context) (*storage.Client, error)

// DefaultGCSClientFactory uses application default credentials.
func DefaultGCSClientFactory(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return client, nil
}

// Options carries optional collaborators.
type Options struct {
	// Registerer receives the progress and store collectors (defaults to the global registry).
	Registerer prometheus.Registerer
	// GCSClientFactory overrides DefaultGCSClientFactory.
	GCSClientFactory GCSClientFactory
}

// App holds the shared services of a single crawl session.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	sessionID uuid.UUID

	store     crawler.Store
	archive   crawler.BlobStore
	gcsClient *storage.Client
	hub       *progress.Hub
	headless  *headlessfetcher.Fetcher
	extractor *bandcamp.Extractor
	clock     crawler.Clock
}

// New builds every service the crawl needs. It fails fast and releases
// anything already opened when a later service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.GCSClientFactory == nil {
		opts.GCSClientFactory = DefaultGCSClientFactory
	}

	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.sessionID, err = idgen.New().NewSessionID(); err != nil {
		return nil, err
	}
	logger.Info("initializing crawl services", zap.String("session_id", a.sessionID.String()))

	if a.store, err = openStore(ctx, cfg.Storage, logger); err != nil {
		return nil, err
	}
	if err = opts.Registerer.Register(metrics.NewStoreCollector(a.store, 0, logger)); err != nil {
		return nil, fmt.Errorf("register store collector: %w", err)
	}

	if err = a.openArchive(ctx, cfg.Archive, opts.GCSClientFactory); err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{promSink}
	if cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(logger))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger,
	}, hubSinks...)

	if err = a.buildExtractor(); err != nil {
		return nil, err
	}

	logger.Info("crawl services initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", archiveProvider(cfg.Archive)),
		zap.Bool("headless", a.headless != nil),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (crawler.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		logger.Info("connecting to postgres store")
		store, err := postgres.NewStore(ctx, postgres.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

func (a *App) openArchive(ctx context.Context, cfg config.ArchiveConfig, newClient GCSClientFactory) error {
	switch archiveProvider(cfg) {
	case config.ArchiveNone:
		return nil
	case config.ArchiveLocal:
		blobs, err := localstore.New(localstore.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = blobs
		return nil
	case config.ArchiveGCS:
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		a.gcsClient = client
		blobs, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = blobs
		return nil
	default:
		return fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
}

func (a *App) buildExtractor() error {
	cfg := a.cfg
	probe, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodyBytes:  cfg.Fetch.MaxPageBytes,
		Parallelism:   cfg.Fetch.Parallelism,
		Delay:         cfg.Fetch.Delay,
		RandomDelay:   cfg.Fetch.RandomDelay,
	})
	if err != nil {
		return fmt.Errorf("init probe fetcher: %w", err)
	}

	opts := []bandcamp.Option{
		bandcamp.WithEmitter(a.hub),
		bandcamp.WithClock(a.clock),
		bandcamp.WithLogger(a.logger.Named("extractor")),
	}
	if cfg.Headless.Enabled {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExpandRounds:      cfg.Headless.MaxExpandRounds,
			ExpandWait:        cfg.Headless.ExpandWait,
			ExecPath:          cfg.Headless.ExecPath,
			HostRPS:           cfg.Headless.HostRPS,
		}, a.logger.Named("headless"))
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		opts = append(opts, bandcamp.WithHeadless(a.headless))
	}
	if a.archive != nil {
		opts = append(opts, bandcamp.WithArchive(a.archive, sha256.New()))
	}

	a.extractor, err = bandcamp.NewExtractor(bandcamp.Config{
		MaxCollection:       cfg.Fetch.MaxCollection,
		BodyLengthThreshold: cfg.Headless.PromotionThreshold,
		SessionID:           a.sessionID,
	}, probe, opts...)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}
	return nil
}

func archiveProvider(cfg config.ArchiveConfig) string {
	if cfg.Provider == "" {
		return config.ArchiveNone
	}
	return cfg.Provider
}

// NewEngine assembles a crawl engine around the container's services.
func (a *App) NewEngine() (*crawler.Engine, error) {
	classifier, err := crawler.NewClassifier(a.cfg.Classifier.Rules)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	return crawler.NewEngine(
		crawler.EngineConfig{
			Concurrency:    a.cfg.Crawler.Concurrency,
			MaxUnits:       a.cfg.Crawler.MaxUnits,
			ExtractTimeout: a.cfg.Crawler.ExtractTimeout,
			SessionID:      a.sessionID,
		},
		a.store,
		a.extractor,
		classifier,
		crawler.NewCanonicalizer(a.cfg.Crawler.ReferralParams),
		crawler.NewExponentialRetryPolicy(a.cfg.Retry.MaxAttempts, a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay),
		a.hub,
		a.clock,
		a.logger.Named("engine"),
	), nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// SessionID identifies this crawl session in progress events.
func (a *App) SessionID() uuid.UUID { return a.sessionID }

// Store returns the crawl store.
func (a *App) Store() crawler.Store { return a.store }

// Progress returns the progress hub shared by the engine and the extractor.
func (a *App) Progress() *progress.Hub { return a.hub }

// Clock returns the wall clock shared by the engine and the extractor.
func (a *App) Clock() crawler.Clock { return a.clock }

// Close flushes pending progress events and releases every service. It is
// safe to call on a partially initialized App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	return errors.Join(errs...)
}
