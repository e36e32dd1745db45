// Package app wires kioku's components together and exposes the two
// operations the CLI drives: an ingestion run and a retry pass.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/identity"
	"github.com/bdobrica/kioku/internal/kioku/ingest"
	"github.com/bdobrica/kioku/internal/kioku/lock"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/retryqueue"
	"github.com/bdobrica/kioku/internal/kioku/store"
	"github.com/bdobrica/kioku/internal/kioku/vector"
)

// The operational store doubles as the default persona directory.
var _ identity.Directory = (*store.Store)(nil)

// Deps are the collaborators an App runs against. Store, Directory,
// Embedder and Vectors are required.
type Deps struct {
	Store     *store.Store
	Directory identity.Directory
	Embedder  memory.Embedder
	Vectors   vector.Store
	// Locker defaults to lock.Noop.
	Locker lock.Locker
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Settings are the tunables taken from configuration.
type Settings struct {
	Ingest      ingest.Options
	Retry       retryqueue.Options
	MaxAttempts int
	CacheSize   int
	// PushgatewayURL and MetricsJob push the registry at the end of every
	// run when the URL is set.
	PushgatewayURL string
	MetricsJob     string
}

// App is a wired kioku instance.
type App struct {
	store     *store.Store
	directory identity.Directory
	embedder  memory.Embedder
	vectors   vector.Store
	locker    lock.Locker
	metrics   *metrics.Metrics
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
	closers   []func() error
}

// New assembles an App from already-built collaborators.
func New(deps Deps, settings Settings) (*App, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("app: store is required")
	case deps.Directory == nil:
		return nil, errors.New("app: persona directory is required")
	case deps.Embedder == nil:
		return nil, errors.New("app: embedder is required")
	case deps.Vectors == nil:
		return nil, errors.New("app: vector store is required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("kioku")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 5
	}
	if settings.MetricsJob == "" {
		settings.MetricsJob = "kioku"
	}
	return &App{
		store:     deps.Store,
		directory: deps.Directory,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		locker:    deps.Locker,
		metrics:   deps.Metrics,
		settings:  settings,
		logger:    deps.Logger,
		now:       time.Now,
	}, nil
}

// Open builds every collaborator described by cfg. The returned App owns
// them; Close releases them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	logger.Info("opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closers = append(closers, st.Close)

	var directory identity.Directory = st
	if cfg.Directory.Backend == config.DirectoryPostgres {
		logger.Info("connecting to persona directory", "dsn", redact.DSN(cfg.Directory.DSN))
		pg, err := identity.NewPostgresDirectory(ctx, cfg.Directory.DSN)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to persona directory: %s",
				redact.String(err.Error(), cfg.Directory.DSN)))
		}
		closers = append(closers, func() error { pg.Close(); return nil })
		directory = pg
	}

	embedder, dims := newEmbedder(cfg.Embedding)
	logger.Info("embedder ready", "provider", cfg.Embedding.Provider, "model", cfg.Embedding.Model, "dimensions", dims)

	vectors, err := newVectorStore(cfg.Vector, st, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, vectors.Close)

	locker, closeLocker, err := newLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return fail(err)
	}
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	a, err := New(Deps{
		Store:     st,
		Directory: directory,
		Embedder:  embedder,
		Vectors:   vectors,
		Locker:    locker,
		Metrics:   metrics.New("kioku"),
		Logger:    logger,
	}, SettingsFromConfig(cfg, dims))
	if err != nil {
		return fail(err)
	}
	a.closers = closers
	return a, nil
}

// SettingsFromConfig maps configuration onto App settings. dims is the
// embedding length to enforce, zero for none.
func SettingsFromConfig(cfg *config.Config, dims int) Settings {
	return Settings{
		Ingest: ingest.Options{
			BatchSize:   cfg.Ingest.BatchSize,
			Concurrency: cfg.Ingest.Concurrency,
			BatchDelay:  cfg.Ingest.BatchDelay,
			CallTimeout: cfg.Ingest.CallTimeout,
			Dimensions:  dims,
			DryRun:      cfg.Ingest.DryRun,
		},
		Retry: retryqueue.Options{
			LeaseTTL: cfg.Retry.LeaseTTL,
			LockTTL:  cfg.Lock.TTL,
			Limit:    cfg.Retry.Limit,
			Cooldown: retry.Config{
				InitialDelay: cfg.Retry.CooldownInitial,
				MaxDelay:     cfg.Retry.CooldownMax,
			},
		},
		MaxAttempts:    cfg.Retry.MaxAttempts,
		CacheSize:      cfg.Identity.CacheSize,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		MetricsJob:     cfg.Metrics.Job,
	}
}

func newEmbedder(cfg config.EmbeddingConfig) (memory.Embedder, int) {
	if cfg.Provider == config.EmbeddingHash {
		h := memory.NewHashEmbedder(cfg.Dimensions)
		return h, h.Dimensions()
	}
	return memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Timeout:    cfg.Timeout,
	}), cfg.Dimensions
}

func newVectorStore(cfg config.VectorConfig, st *store.Store, logger *slog.Logger) (vector.Store, error) {
	if cfg.Backend == config.VectorSQLite {
		logger.Info("vector store ready", "backend", cfg.Backend)
		return vector.NewSQLiteStore(st.DB(), logger), nil
	}
	vs, err := vector.NewChromemStore(vector.ChromemConfig{
		Path:       cfg.Path,
		Collection: cfg.Collection,
		Compress:   cfg.Compress,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	logger.Info("vector store ready", "backend", config.VectorChromem, "path", cfg.Path)
	return vs, nil
}

func newLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, func() error, error) {
	if cfg.Backend != config.LockRedis {
		return lock.Noop{}, nil, nil
	}
	client, err := lock.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, 5*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to lock backend: %w", err)
	}
	logger.Info("retry pass lock ready", "backend", cfg.Backend, "addr", cfg.Addr)
	return lock.NewRedisLocker(client, cfg.Prefix), client.Close, nil
}

// Store returns the operational store.
func (a *App) Store() *store.Store {
	return a.store
}

// Metrics returns the run's instruments.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Close releases everything Open created, in reverse order.
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

// pipeline builds the ingestion pipeline for one run.
func (a *App) pipeline(opts ingest.Options, logger *slog.Logger) *ingest.Pipeline {
	return ingest.New(a.embedder, a.vectors, opts, a.metrics, logger)
}

// queue builds a retry queue that re-drives entries through p.
func (a *App) queue(p *ingest.Pipeline, logger *slog.Logger) *retryqueue.Queue {
	return retryqueue.New(a.store, p, a.locker, a.settings.Retry, a.metrics, logger)
}

// RetryQueue returns a queue for operator inspection and requeueing.
func (a *App) RetryQueue() *retryqueue.Queue {
	opts := a.settings.Ingest
	opts.DryRun = false
	return a.queue(a.pipeline(opts, a.logger), a.logger)
}
