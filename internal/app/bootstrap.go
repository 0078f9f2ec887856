// Package app is the composition root. Bootstrap stays orchestration-only:
// every component is constructed here with manual DI and handed its
// collaborators.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"

	"pipegate.io/pipegate/internal/admission"
	"pipegate.io/pipegate/internal/api/handlers"
	"pipegate.io/pipegate/internal/api/middleware"
	"pipegate.io/pipegate/internal/cache"
	"pipegate.io/pipegate/internal/config"
	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/idempotency"
	"pipegate.io/pipegate/internal/infrastructure"
	"pipegate.io/pipegate/internal/jobs"
	"pipegate.io/pipegate/internal/limits"
	"pipegate.io/pipegate/internal/pkg/metrics"
	"pipegate.io/pipegate/internal/pkg/worker"
	"pipegate.io/pipegate/internal/queue"
	"pipegate.io/pipegate/internal/reconciler"
	"pipegate.io/pipegate/internal/store/postgres"
	"pipegate.io/pipegate/internal/usecase"
)

// Application holds composed application dependencies.
type Application struct {
	Config     *config.Config
	Router     *gin.Engine
	DB         *infrastructure.DatabaseClients
	Pools      *worker.Pools
	Runs       *usecase.Service
	Reconciler *reconciler.Reconciler
}

// Runner executes admitted pipeline runs. Injected by the caller of
// Bootstrap so the admission core stays connector-agnostic.
type Runner = jobs.PipelineRunner

// Bootstrap initializes all dependencies.
func Bootstrap(ctx context.Context, cfg *config.Config, runner Runner) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		SweepPoolSize:   cfg.Worker.SweepPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	// Stores share the one pool.
	counters := postgres.NewCounterStore(db.Pool)
	idemStore := postgres.NewIdempotencyStore(db.Pool)
	queueStore := postgres.NewQueueStore(db.Pool)
	reservationStore := postgres.NewReservationStore(db.Pool)

	quotaCache := cache.New(cfg.Cache.Size, cfg.Cache.TTL)
	limitsProvider := limits.NewStaticProvider(domain.SubscriptionLimits{
		DailyRuns:      cfg.Limits.DefaultDailyRuns,
		MonthlyRuns:    cfg.Limits.DefaultMonthlyRuns,
		ConcurrentRuns: cfg.Limits.DefaultConcurrentRuns,
	})

	controller := admission.NewController(counters, reservationStore, quotaCache,
		admission.WithMaxAttempts(cfg.Admission.MaxCASAttempts),
		admission.WithRunTTL(cfg.Admission.RunTTL),
	)
	dispatcher := domain.NewEventDispatcher()
	queueSvc := queue.NewService(queueStore, controller, dispatcher).
		WithDispatchPool(pools)
	guard := idempotency.NewGuard(idemStore)
	runs := usecase.NewService(guard, controller, queueSvc, limitsProvider, counters, quotaCache)

	rec := reconciler.New(reservationStore, queueStore, controller, queueSvc,
		reconciler.WithInterval(cfg.Reconciler.Interval),
		reconciler.WithBatchSize(cfg.Reconciler.BatchSize),
		reconciler.WithPools(pools),
	)

	workers := river.NewWorkers()
	if runner != nil {
		river.AddWorker(workers, jobs.NewPipelineRunWorker(queueSvc, runner))
	}
	river.AddWorker(workers, jobs.NewReservationSweepWorker(rec))

	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.Reconciler.Interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return jobs.ReservationSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
	if err := db.InitRiverClient(workers, cfg.River, periodic); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     "pipegate",
		ExpiresIn:  24 * time.Hour,
	}
	serverDeps := handlers.ServerDeps{
		Runs:    runs,
		JWTCfg:  jwtCfg,
		DB:      db.Pool,
		Sweeper: rec,
	}
	if runner != nil {
		// Only schedule execution jobs when something works them. Without a
		// runner, external workers report outcomes through the API.
		serverDeps.RiverClient = db.RiverClient
	}
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config:     cfg,
		Router:     newRouter(cfg.Server, server, jwtCfg.SigningKey),
		DB:         db,
		Pools:      pools,
		Runs:       runs,
		Reconciler: rec,
	}, nil
}
