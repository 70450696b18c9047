package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pensionops/rebalancer/internal/aggregation"
	"github.com/pensionops/rebalancer/internal/config"
	"github.com/pensionops/rebalancer/internal/export"
	"github.com/pensionops/rebalancer/internal/metrics"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/notify"
	"github.com/pensionops/rebalancer/internal/scheduler"
	"github.com/pensionops/rebalancer/internal/store"
	"github.com/pensionops/rebalancer/internal/transaction"
)

// app holds the wired components of one process.
type app struct {
	cfg     config.Config
	store   store.Store
	service *transaction.Service
	driver  *scheduler.Driver
	hub     *notify.WSHub
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// openPostgres connects to the configured database.
func openPostgres(ctx context.Context, url string) (*pgxpool.Pool, *store.PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, store.NewPostgresStore(pool), nil
}

// openRedis connects to the configured Redis.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// invalidateCache drops cached model portfolios and limits for funds, or
// for every fund when none are given.
func invalidateCache(ctx context.Context, cfg config.Config, funds []model.Fund) error {
	if cfg.Redis.URL == "" {
		return errors.New("cache: REDIS_URL is not set")
	}
	rdb, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	if len(funds) == 0 {
		funds = model.Funds()
	}
	cache := store.NewCachedStore(nil, rdb, cfg.Redis.CacheTTL)
	for _, f := range funds {
		if err := cache.Invalidate(ctx, f); err != nil {
			return fmt.Errorf("invalidate %s: %w", f, err)
		}
		slog.Info("cache invalidated", "fund", f)
	}
	return nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Store and lock ---
	var lock scheduler.Lock
	if cfg.Database.URL != "" {
		pool, pg, err := openPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.store = pg
		slog.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			rdb, err := openRedis(ctx, cfg.Redis.URL)
			if err != nil {
				return nil, err
			}
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.store = store.NewCachedStore(a.store, rdb, cfg.Redis.CacheTTL)
			lock = scheduler.NewRedisLock(rdb)
			slog.Info("Redis cache and scheduler lock enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.store = store.NewMemoryStore()
	}
	if lock == nil {
		slog.Warn("REDIS_URL not set, scheduler lock is process-local")
		lock = scheduler.NewMemoryLock(nil)
	}

	// --- Collaborators ---
	aggOpts, err := cfg.AggregationOptions()
	if err != nil {
		return nil, err
	}
	txOpts, err := cfg.TransactionOptions()
	if err != nil {
		return nil, err
	}

	var uploader export.Uploader
	if cfg.Export.Upload.Enabled {
		gcs, err := export.NewGCSUploader(ctx, cfg.Export.Upload.Bucket, cfg.Export.Upload.Prefix, cfg.Export.Upload.CredentialsFile)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { gcs.Close() })
		uploader = gcs
		slog.Info("export upload enabled", "bucket", cfg.Export.Upload.Bucket)
	}

	a.hub = notify.NewWSHub()
	sinks := notify.Multi{notify.LogSink{}, a.hub}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}

	a.service = transaction.NewService(transaction.Deps{
		Store:      a.store,
		Aggregator: aggregation.NewAggregator(a.store, aggOpts),
		Exporter:   export.NewService(cfg.Funds),
		Uploader:   uploader,
		Sink:       sinks,
	}, txOpts)
	a.driver = scheduler.NewDriver(a.store, a.service, lock, cfg.SchedulerOptions())

	ok = true
	return a, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"rebalancer"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// WebSocket feed of finalized batches.
	r.Get("/api/v1/ws", a.hub.HandleWS)

	// A manual run may take as long as a scheduled one.
	r.Post("/api/v1/scheduler/run", a.driver.HandleRun)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		a.service.Routes(r)
	})
	return r
}
