// Package app wires configuration into the queue, storage, scorer and HTTP
// components shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/atsgateway/internal/api"
	"github.com/kiranshivaraju/atsgateway/internal/api/handler"
	mw "github.com/kiranshivaraju/atsgateway/internal/api/middleware"
	"github.com/kiranshivaraju/atsgateway/internal/blob"
	"github.com/kiranshivaraju/atsgateway/internal/cache"
	"github.com/kiranshivaraju/atsgateway/internal/config"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/kiranshivaraju/atsgateway/internal/scheduler"
	"github.com/kiranshivaraju/atsgateway/internal/scoring"
	"github.com/kiranshivaraju/atsgateway/internal/store"
	"github.com/kiranshivaraju/atsgateway/internal/upload"
	"github.com/kiranshivaraju/atsgateway/internal/worker"
)

// MigrationsDir is where the Postgres queue schema is read from.
var MigrationsDir = "migrations"

// App holds the long-lived dependencies of one process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Queue  queue.Queue
	Blobs  blob.Store
	Scorer *scoring.HTTPClient
	Cache  cache.Cache

	closers []func()
}

// New connects every backend named by cfg. On error, anything already opened
// is closed before returning.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var rdb *redis.Client
	switch {
	case cfg.Queue.Backend == config.BackendRedis:
		rdb = cache.NewRedisClient(cfg.Redis)
		a.closers = append(a.closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.Cache = cache.NewRedisCache(rdb)
		logger.Info("redis connected", "addr", cfg.Redis.Addr())
	case cfg.Queue.Backend != config.BackendMemory && cfg.Server.RateLimitPerMin > 0:
		a.Cache = a.connectLimiter(ctx)
	}

	policy := queue.NewPolicy(cfg.Queue)
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		a.Queue = queue.NewRedisQueue(rdb, policy)
	case config.BackendPostgres:
		pool, err := store.Connect(ctx, cfg.Queue.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info("database connected")

		if err := store.RunMigrations(cfg.Queue.DatabaseURL, MigrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations applied")
		a.Queue = queue.NewPostgresQueue(pool, policy)
	case config.BackendMemory:
		logger.Warn("using in-memory queue; jobs are lost on restart")
		a.Queue = queue.NewMemoryQueue(policy)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	logger.Info("queue ready", "backend", cfg.Queue.Backend, "max_attempts", policy.MaxAttempts)

	a.Blobs, err = blob.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	logger.Info("blob store ready", "s3", cfg.Storage.UseS3)

	a.Scorer = scoring.NewHTTPClient(cfg.Scorer.BaseURL, cfg.Scorer.Timeout)
	return a, nil
}

// connectLimiter opens Redis for the rate limiter alone. The limiter fails
// open, so an unreachable Redis disables it instead of stopping startup.
func (a *App) connectLimiter(ctx context.Context) cache.Cache {
	rdb := cache.NewRedisClient(a.cfg.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		a.logger.Warn("redis unavailable, rate limiting disabled", "addr", a.cfg.Redis.Addr(), "error", err)
		return nil
	}
	a.closers = append(a.closers, func() { rdb.Close() })
	a.logger.Info("redis connected for rate limiting", "addr", a.cfg.Redis.Addr())
	return cache.NewRedisCache(rdb)
}

// Router builds the HTTP handler for the intake and status API.
func (a *App) Router() http.Handler {
	limit := a.cfg.Server.RateLimitPerMin
	if a.Cache == nil && limit > 0 {
		a.logger.Warn("rate limiting disabled: redis not connected")
		limit = 0
	}

	return api.NewRouter(api.Dependencies{
		RateLimit:     mw.NewRateLimit(a.Cache, limit),
		TrustProxy:    a.cfg.Server.TrustProxy,
		ScoreHandler:  handler.NewScoreHandler(a.Queue, a.Blobs, upload.DefaultRules),
		StatusHandler: handler.NewStatusHandler(a.Queue),
		ReadyHandler: handler.NewReadyHandler(
			handler.Check{Name: "queue", Probe: a.Queue.Ping},
			handler.Check{Name: "scorer", Probe: a.Scorer.Ready},
		),
	})
}

func (a *App) NewWorker() *worker.Worker {
	return worker.New(a.Queue, a.Scorer,
		worker.WithConcurrency(a.cfg.Worker.Concurrency),
		worker.WithPollInterval(a.cfg.Worker.PollInterval),
		worker.WithLogger(a.logger),
	)
}

func (a *App) NewScheduler() *scheduler.Scheduler {
	return scheduler.New(a.Queue, a.Blobs, a.cfg.Storage.SweepSchedule, a.cfg.Storage.MaxAge, a.logger)
}

// StartBackground runs the worker and the maintenance scheduler until ctx is
// cancelled. The returned function blocks until both have stopped.
func (a *App) StartBackground(ctx context.Context) (wait func(), err error) {
	sched := a.NewScheduler()
	if err := sched.Start(ctx); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	done := make(chan struct{})
	w := a.NewWorker()
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			a.logger.Error("worker stopped with error", "error", err)
		}
	}()

	return func() {
		<-done
		sched.Stop()
	}, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.logger.Warn("queue close failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
