package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/decision"
	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/scheduler"
	"tao-dividends/internal/storage"
)

// ReconcilerOptions tune recovery of interrupted trades.
type ReconcilerOptions struct {
	// GracePeriod keeps in-flight records out of reach of the reconciler.
	GracePeriod   time.Duration
	RedriveFailed bool
	MaxAttempts   int
	BatchSize     int
	LockKey       int64
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
}

// Report counts what one pass did.
type Report struct {
	Resolved     int
	StillPending int
	Redriven     int
	Errors       int
}

// Reconciler settles Pending records left by crashes or timeouts and optionally re-drives Failed ones.
type Reconciler struct {
	store     storage.TransactionStore
	engine    *decision.Engine
	pipeline  *Pipeline
	scheduler *scheduler.Scheduler
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	opts      ReconcilerOptions
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewReconciler wires a reconciler. sched and notifier may be nil; the advisory lock is used when store supports it.
func NewReconciler(store storage.TransactionStore, engine *decision.Engine, pipeline *Pipeline, sched *scheduler.Scheduler, notifier alerting.Notifier, opts ReconcilerOptions, logger zerolog.Logger) *Reconciler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Reconciler{
		store:     store,
		engine:    engine,
		pipeline:  pipeline,
		scheduler: sched,
		notifier:  notifier,
		locker:    locker,
		opts:      opts,
		clock:     clock,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run reconciles on every scheduler tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return r.scheduler.Run(ctx, r.Tick)
}

// Tick 执行一次对账，多实例部署时通过 advisory lock 保证只有一个实例运行。
func (r *Reconciler) Tick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		r.logger.Debug().Time("bucket", bucket).Msg("skip reconcile because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := r.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report != (Report{}) {
		r.logger.Info().
			Time("bucket", bucket).
			Int("resolved", report.Resolved).
			Int("still_pending", report.StillPending).
			Int("redriven", report.Redriven).
			Int("errors", report.Errors).
			Msg("reconcile pass finished")
	}
	return nil
}

// Reconcile runs one pass over stale Pending records and, if enabled, retryable Failed ones.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	cutoff := r.clock.Now().UTC().Add(-r.opts.GracePeriod)

	pending, err := r.store.ListPending(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending transactions: %w", err)
	}
	for _, rec := range pending {
		resolved, err := r.engine.Resolve(ctx, rec)
		if err != nil {
			report.Errors++
			r.opts.Metrics.Reconciled("error")
			r.logger.Warn().Err(err).Str("request_id", rec.RequestID).Msg("failed to resolve pending transaction")
			continue
		}
		if resolved.Status == domain.StatusPending {
			report.StillPending++
			r.opts.Metrics.Reconciled("still_pending")
			continue
		}
		report.Resolved++
		r.opts.Metrics.Reconciled("resolved_" + string(resolved.Status))
		r.notify(ctx, resolved)
	}

	if !r.opts.RedriveFailed || r.pipeline == nil {
		return report, nil
	}

	failed, err := r.store.ListFailed(ctx, r.opts.MaxAttempts, cutoff, r.opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list failed transactions: %w", err)
	}
	for _, rec := range failed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := r.pipeline.Redrive(ctx, rec)
		if err != nil {
			report.Errors++
			r.opts.Metrics.Reconciled("error")
			r.logger.Warn().Err(err).Str("request_id", rec.RequestID).Msg("failed to re-drive transaction")
			continue
		}
		report.Redriven++
		r.opts.Metrics.Reconciled("redriven_" + string(out.Status))
	}
	return report, nil
}

func (r *Reconciler) notify(ctx context.Context, rec domain.TransactionRecord) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, alerting.FromRecord(alerting.EventReconciled, rec)); err != nil {
		r.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to dispatch reconcile notification")
	}
}

func (r *Reconciler) acquireLock(ctx context.Context) (func(), bool, error) {
	if r.opts.LockKey == 0 || r.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
