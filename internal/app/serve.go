package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tao-dividends/internal/api"
	"tao-dividends/internal/scheduler"
	"tao-dividends/internal/service"
	"tao-dividends/internal/version"
	"tao-dividends/internal/worker"
)

// Serve runs the HTTP API together with the trade workers and the reconciler.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	var queue worker.Queue
	switch a.Config.Worker.Backend {
	case "stream":
		consumer := a.Config.Worker.Consumer
		if consumer == "" {
			consumer = consumerName()
		}
		stream, err := worker.NewStreamQueue(c.redis, c.pipeline.Run, worker.StreamOptions{
			Stream:      a.Config.Worker.Stream,
			Group:       a.Config.Worker.Group,
			Consumer:    consumer,
			MaxLen:      a.Config.Worker.MaxLen,
			MinIdle:     a.Config.Worker.MinIdle,
			DedupeTTL:   a.Config.Worker.DedupeTTL,
			Workers:     a.Config.Worker.Workers,
			TaskTimeout: a.Config.Worker.TaskTimeout,
			Metrics:     a.Metrics,
		}, a.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return stream.Run(gctx) })
		queue = stream
	default:
		queue = worker.NewPoolQueue(c.pipeline.Run, worker.PoolOptions{
			Workers:     a.Config.Worker.Workers,
			QueueSize:   a.Config.Worker.QueueSize,
			TaskTimeout: a.Config.Worker.TaskTimeout,
			Metrics:     a.Metrics,
		}, a.Logger)
	}

	coordinator := service.NewCoordinator(c.cache, c.ledger, queue, c.queries, service.CoordinatorOptions{
		BucketWindow: a.Config.Decision.BucketWindow,
	}, a.Logger)

	if a.Config.Reconcile.Enabled {
		reconciler := a.newReconciler(c, true)
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	health := api.HealthChecks{Ledger: c.ledger.Ping}
	if c.redis != nil {
		rdb := c.redis
		health.Redis = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if c.pg != nil {
		health.Database = c.pg.Ping
	}

	server, err := api.NewServer(coordinator, health, api.Options{
		Addr:           a.Config.API.Addr,
		AllowedOrigins: a.Config.API.AllowedOrigins,
		RequestTimeout: a.Config.API.RequestTimeout,
		ApplyDefaults:  a.Config.API.ApplyDefaults,
		DefaultNetuid:  a.Config.Cache.DefaultNetuid,
		DefaultHotkey:  a.Config.Ledger.DefaultHotkey,
		Auth: api.AuthOptions{
			APIKeys:   a.Config.API.APIKeys,
			JWTSecret: a.Config.API.JWTSecret,
			JWTIssuer: a.Config.API.JWTIssuer,
		},
		Metrics: a.Metrics,
	}, a.Logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return server.Run(gctx) })

	a.Logger.Info().
		Str("version", version.String()).
		Str("worker_backend", a.Config.Worker.Backend).
		Str("cache_backend", a.Config.Cache.Backend).
		Msg("starting tao dividends service")

	err = g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if cerr := queue.Close(closeCtx); cerr != nil {
		a.Logger.Warn().Err(cerr).Msg("trade queue did not drain cleanly")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("tao dividends service stopped")
	return nil
}

func (a *App) newReconciler(c *components, scheduled bool) *service.Reconciler {
	cfg := a.Config.Reconcile

	var sched *scheduler.Scheduler
	if scheduled {
		sched = scheduler.New(scheduler.Options{
			Interval:     cfg.Interval,
			AlignToStart: cfg.AlignToBucket,
			StartupDelay: cfg.StartupDelay,
		}, a.Logger)
	}

	return service.NewReconciler(c.store, c.engine, c.pipeline, sched, c.notifier, service.ReconcilerOptions{
		GracePeriod:   cfg.GracePeriod,
		RedriveFailed: cfg.RedriveFailed,
		MaxAttempts:   cfg.MaxAttempts,
		BatchSize:     cfg.BatchSize,
		LockKey:       cfg.AdvisoryLockKey,
		Metrics:       a.Metrics,
	}, a.Logger)
}
