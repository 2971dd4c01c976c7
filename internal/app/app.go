// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/clock/system"
	"github.com/JakeFAU/sensor-archive-downloader/internal/config"
	collyfetcher "github.com/JakeFAU/sensor-archive-downloader/internal/fetcher/colly"
	"github.com/JakeFAU/sensor-archive-downloader/internal/hash/sha256"
	"github.com/JakeFAU/sensor-archive-downloader/internal/id/uuid"
	"github.com/JakeFAU/sensor-archive-downloader/internal/job"
	"github.com/JakeFAU/sensor-archive-downloader/internal/merge"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
	"github.com/JakeFAU/sensor-archive-downloader/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/sensor-archive-downloader/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sensor-archive-downloader/internal/publisher/pubsub"
	memoryregistry "github.com/JakeFAU/sensor-archive-downloader/internal/registry/memory"
	"github.com/JakeFAU/sensor-archive-downloader/internal/registry/postgres"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage/local"
	"github.com/JakeFAU/sensor-archive-downloader/internal/telemetry"
)

// MemoryTopic is the notification topic used with the in-process publisher.
const MemoryTopic = "sensorarchive-jobs"

// Pinger is a dependency that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// App holds the services shared by the CLI and the HTTP server.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	job       *job.Job
	clock     archive.Clock
	store     *local.BlobStore
	publisher archive.Publisher
	pingers   []Pinger
	closers   []func() error
}

// New builds every service named by cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	store, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}
	a.store = store

	registry, err := a.buildRegistry(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RequestsPerSecond,
		DefaultBurst: cfg.Fetch.Burst,
	})
	retry := archive.NewExponentialRetryPolicy(cfg.Fetch.MaxAttempts, cfg.Fetch.BackoffBase, cfg.Fetch.BackoffMax)
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:      cfg.Fetch.BaseURL,
		MetadataURL:  cfg.Fetch.MetadataURL,
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Delimiter:    cfg.Merge.DelimiterRune(),
	}, retry, limiter, logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	mirror, closeMirror, err := storage.NewMirror(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("init mirror: %w", err)
	}
	a.closers = append(a.closers, closeMirror)

	topic, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	merger := merge.New(store, sha256.New(), merge.Config{Delimiter: cfg.Merge.DelimiterRune()}, logger.Named("merge"))
	deps := job.Dependencies{
		Registry:  registry,
		Fetcher:   fetcher,
		Store:     store,
		Merger:    merger,
		Mirror:    mirror,
		Publisher: a.publisher,
		Clock:     a.clock,
		IDs:       uuid.New(),
	}
	if cfg.Job.AutoLocate {
		deps.Locator = fetcher
	}
	a.job, err = job.New(job.Config{
		Concurrency:      cfg.Job.Concurrency,
		MergeConcurrency: cfg.Merge.Concurrency,
		MaxRangeDays:     cfg.Job.MaxRangeDays,
		NotifyTopic:      topic,
		AutoLocate:       cfg.Job.AutoLocate,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("init job: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("base_dir", store.BaseDir()),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("mirror", cfg.Mirror.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return a, nil
}

func (a *App) buildRegistry(ctx context.Context) (archive.Registry, error) {
	switch a.cfg.Registry.Backend {
	case config.RegistryPostgres:
		a.logger.Info("connecting to postgres registry")
		reg, err := postgres.New(ctx, a.cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("init postgres registry: %w", err)
		}
		a.pingers = append(a.pingers, reg)
		a.closers = append(a.closers, func() error {
			reg.Close()
			return nil
		})
		return reg, nil
	case config.RegistryStatic, "":
		reg, err := memoryregistry.New(a.cfg.Registry.Stations)
		if err != nil {
			return nil, fmt.Errorf("init static registry: %w", err)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", a.cfg.Registry.Backend)
	}
}

// buildPublisher sets a.publisher and returns the notification topic.
func (a *App) buildPublisher(ctx context.Context) (string, error) {
	switch a.cfg.Publisher.Backend {
	case config.PublisherPubSub:
		a.logger.Info("connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.TopicID))
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TopicID,
		})
		if err != nil {
			return "", fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		return a.cfg.PubSub.TopicID, nil
	case config.PublisherMemory:
		pub := memorypublisher.New()
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		return MemoryTopic, nil
	case config.PublisherNone, "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown publisher backend: %s", a.cfg.Publisher.Backend)
	}
}

// Job returns the download orchestrator.
func (a *App) Job() *job.Job {
	return a.job
}

// Clock returns the clock that defines "today" for request defaults.
func (a *App) Clock() archive.Clock {
	return a.clock
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Publisher returns the configured publisher, or nil.
func (a *App) Publisher() archive.Publisher {
	return a.publisher
}

// Ready pings the external dependencies.
func (a *App) Ready(ctx context.Context) error {
	for _, p := range a.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
