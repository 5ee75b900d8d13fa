package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/domain"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/storage"
)

type lockingStore struct {
	*storage.MemoryStore
	*fakeLocker
}

func timeoutErr() error {
	return &domain.UpstreamError{Op: "add_stake", Kind: domain.KindTimeout, Transient: true, Err: errors.New("deadline exceeded")}
}

func TestReconcileResolvesPendingTrade(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.writer.setErr(timeoutErr())

	rec, err := f.pipeline.Execute(ctx, task("req-p"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)

	rc := NewReconciler(f.store, f.engine, f.pipeline, nil, f.notifier, ReconcilerOptions{Clock: f.clock}, zerolog.Nop())

	report, err := rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report, "record inside the grace period must be left alone")

	f.writer.submissions["req-p"] = ledger.Submission{TxRef: "0xlanded", Status: ledger.SubmissionIncluded}
	f.clock.Advance(3 * time.Minute)

	report, err = rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	stored, err := f.store.Get(ctx, "req-p")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)
	assert.Equal(t, "0xlanded", stored.TxRef)
	assert.Equal(t, 1, f.writer.callCount())
	assert.Contains(t, f.notifier.events(), alerting.EventReconciled)
}

func TestReconcileKeepsInFlightSubmissionPending(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.writer.setErr(timeoutErr())

	_, err := f.pipeline.Execute(ctx, task("req-q"))
	require.NoError(t, err)

	f.writer.submissions["req-q"] = ledger.Submission{Status: ledger.SubmissionPending}
	f.clock.Advance(3 * time.Minute)

	rc := NewReconciler(f.store, f.engine, f.pipeline, nil, nil, ReconcilerOptions{Clock: f.clock}, zerolog.Nop())
	report, err := rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StillPending)

	stored, err := f.store.Get(ctx, "req-q")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestReconcileRedrivesFailedTrades(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.writer.setErr(&domain.UpstreamError{Op: "add_stake", Kind: domain.KindConnection, Transient: true, Err: errors.New("refused")})

	rec, err := f.pipeline.Execute(ctx, task("req-f"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)

	f.writer.setErr(nil)
	f.clock.Advance(3 * time.Minute)

	rc := NewReconciler(f.store, f.engine, f.pipeline, nil, nil, ReconcilerOptions{Clock: f.clock}, zerolog.Nop())
	report, err := rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Redriven, "re-drive is opt-in")

	rc = NewReconciler(f.store, f.engine, f.pipeline, nil, nil, ReconcilerOptions{Clock: f.clock, RedriveFailed: true}, zerolog.Nop())
	report, err = rc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redriven)

	stored, err := f.store.Get(ctx, "req-f")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.writer.setErr(timeoutErr())

	_, err := f.pipeline.Execute(ctx, task("req-l"))
	require.NoError(t, err)
	f.writer.submissions["req-l"] = ledger.Submission{TxRef: "0x1", Status: ledger.SubmissionIncluded}
	f.clock.Advance(3 * time.Minute)

	locker := &fakeLocker{}
	store := lockingStore{MemoryStore: f.store, fakeLocker: locker}
	rc := NewReconciler(store, f.engine, f.pipeline, nil, nil, ReconcilerOptions{Clock: f.clock, LockKey: 42}, zerolog.Nop())

	require.NoError(t, rc.Tick(ctx, f.clock.Now()))
	stored, err := f.store.Get(ctx, "req-l")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)

	locker.acquired = true
	require.NoError(t, rc.Tick(ctx, f.clock.Now()))
	stored, err = f.store.Get(ctx, "req-l")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)
	assert.Equal(t, int32(2), locker.calls.Load())
}

func TestRunRequiresScheduler(t *testing.T) {
	f := newPipelineFixture(t)
	rc := NewReconciler(f.store, f.engine, f.pipeline, nil, nil, ReconcilerOptions{}, zerolog.Nop())
	assert.Error(t, rc.Run(context.Background()))
}
