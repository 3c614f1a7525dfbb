package flintq

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"flintq/internal/broker"
	"flintq/internal/config"
	"flintq/internal/coordinator"
	"flintq/internal/lock"
	"flintq/internal/metrics"
	"flintq/internal/storage"
	"flintq/internal/storage/memory"
	"flintq/internal/storage/postgres"
	"flintq/internal/web"
)

// App is a fully wired flintq instance: storage, locks, coordinator,
// optional broker mirror and admin server. The host process owns its
// lifetime through Start and Shutdown.
type App struct {
	Client      *Client
	Coordinator *coordinator.Coordinator

	store storage.Storage
	pub   broker.Publisher
	admin *web.Server
}

// New wires an App from configuration and the handler registry. No
// component is ambient: storage backend, lock manager and broker are all
// chosen here and passed down as explicit arguments.
func New(ctx context.Context, cfg *config.Config, registry *coordinator.Registry) (*App, error) {
	setupLogging(cfg.LogLevel)

	store, err := NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	locks, err := buildLocks(cfg, store)
	if err != nil {
		return nil, err
	}

	app := &App{
		store:  store,
		Client: NewClient(store),
	}

	if cfg.BrokerURL != "" {
		pub, err := broker.NewRabbitMQ(cfg.BrokerURL, cfg.BrokerExchange, cfg.BrokerQueue, cfg.BrokerRoutingKey)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		app.pub = pub
		app.Client.WithPublisher(pub)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	app.Coordinator = coordinator.New(store, locks, registry, m, coordinator.Options{
		Queues:              cfg.Queues,
		WorkerCount:         cfg.WorkerCount,
		PollInterval:        cfg.PollInterval,
		BatchSize:           cfg.BatchSize,
		MaintenanceInterval: cfg.MaintenanceInterval,
		StuckAfter:          cfg.StuckAfter,
		ScheduleBatch:       cfg.ScheduleBatch,
		PruneAfter:          cfg.PruneAfter,
		LockTTL:             cfg.LockTTL,
		WorkerID:            cfg.WorkerID,
	})

	if cfg.AdminAddr != "" {
		app.admin = web.New(cfg.AdminAddr, store)
	}
	return app, nil
}

// Start launches the coordinator and, when configured, the admin server.
func (a *App) Start(ctx context.Context) error {
	if err := a.Coordinator.Start(ctx); err != nil {
		return err
	}
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				log.Error().Err(err).Msg("admin server exited")
			}
		}()
	}
	return nil
}

// Shutdown stops the coordinator, the admin server and all connections,
// bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.Coordinator.Stop(ctx); err != nil {
		firstErr = err
	}
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NewStorage builds the storage backend selected by configuration. The
// CLI's one-shot commands use it directly without spinning up an App.
func NewStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("no FLINTQ_DATABASE_URL set, using in-memory storage")
		return memory.New(), nil
	}
	pg, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func buildLocks(cfg *config.Config, store storage.Storage) (lock.Manager, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return lock.NewRedisManager(redis.NewClient(opts)), nil
	}
	if pg, ok := store.(*postgres.Storage); ok {
		return lock.NewPostgresManager(pg.DB()), nil
	}
	return lock.NewMemoryManager(), nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond
}
