package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/storage"
)

type fakeWriter struct {
	mu          sync.Mutex
	calls       []ledger.SubmitRequest
	err         error
	onSubmit    func()
	submissions map[string]ledger.Submission
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{submissions: make(map[string]ledger.Submission)}
}

func (f *fakeWriter) submit(req ledger.SubmitRequest) (ledger.TxHandle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n, err, hook := len(f.calls), f.err, f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return ledger.TxHandle{}, err
	}
	return ledger.TxHandle{TxRef: fmt.Sprintf("0xtx%d", n)}, nil
}

func (f *fakeWriter) SubmitStake(_ context.Context, req ledger.SubmitRequest) (ledger.TxHandle, error) {
	return f.submit(req)
}

func (f *fakeWriter) SubmitUnstake(_ context.Context, req ledger.SubmitRequest) (ledger.TxHandle, error) {
	return f.submit(req)
}

func (f *fakeWriter) LookupSubmission(_ context.Context, key string) (ledger.Submission, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[key]
	return sub, ok, nil
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWriter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []domain.Key
}

func (r *recordingInvalidator) Invalidate(_ context.Context, key domain.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

type engineFixture struct {
	engine      *Engine
	store       *storage.MemoryStore
	writer      *fakeWriter
	invalidator *recordingInvalidator
	clock       *clockwork.FakeClock
	metrics     *metrics.Metrics
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	f := engineFixture{
		store:       storage.NewMemoryStore(),
		writer:      newFakeWriter(),
		invalidator: &recordingInvalidator{},
		clock:       clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		metrics:     metrics.New(),
	}
	engine, err := NewEngine(f.store, f.writer, Options{
		Policy:      DefaultPolicy(),
		Invalidator: f.invalidator,
		Clock:       f.clock,
		Metrics:     f.metrics,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.engine = engine
	return f
}

var pair = domain.Key{SubnetID: 18, AccountKey: "5Hotkey"}

func TestDecideAndExecuteStakeCommits(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.DecideAndExecute(context.Background(), Request{RequestID: "r1", Key: pair, Score: 75, Caller: "api"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
	assert.Equal(t, domain.ActionStake, rec.Action)
	assert.Equal(t, uint64(750_000_000), rec.Amount)
	assert.Equal(t, "0xtx1", rec.TxRef)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.Score)
	assert.Equal(t, 75, *rec.Score)

	require.Len(t, f.writer.calls, 1)
	assert.Equal(t, "r1", f.writer.calls[0].IdempotencyKey)
	assert.Equal(t, []domain.Key{pair}, f.invalidator.keys)

	stored, err := f.store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TradeOutcomes.WithLabelValues("stake", "committed")))
}

func TestDecideAndExecuteUnstake(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.DecideAndExecute(context.Background(), Request{RequestID: "r1", Key: pair, Score: -60})
	require.NoError(t, err)
	assert.Equal(t, domain.Unstake(600_000_000), rec.StakeAction())
	assert.Equal(t, domain.StatusCommitted, rec.Status)
}

func TestDecideAndExecuteIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := Request{RequestID: "r1", Key: pair, Score: 90}

	first, err := f.engine.DecideAndExecute(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.DecideAndExecute(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.writer.callCount())
}

func TestDecideAndExecuteConcurrentDuplicates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.DecideAndExecute(ctx, Request{RequestID: "dup", Key: pair, Score: 80})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.writer.callCount())
	rec, err := f.store.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
}

func TestDecideAndExecuteNoOpIsCommittedWithoutLedgerCall(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.DecideAndExecute(context.Background(), Request{RequestID: "r1", Key: pair, Score: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
	assert.Equal(t, domain.ActionNoOp, rec.Action)
	assert.Zero(t, rec.Amount)
	assert.Zero(t, f.writer.callCount())
	assert.Empty(t, f.invalidator.keys)
}

func TestDecideAndExecuteRejectedThenRedriven(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := Request{RequestID: "r1", Key: pair, Score: 75}

	f.writer.setErr(&domain.UpstreamError{Op: "submit_stake", Kind: domain.KindRejected, Err: errors.New("insufficient balance")})
	rec, err := f.engine.DecideAndExecute(ctx, req)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "insufficient balance")

	f.writer.setErr(nil)
	f.clock.Advance(time.Minute)
	rec, err = f.engine.DecideAndExecute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 2, f.writer.callCount())
	assert.Equal(t, "r1", f.writer.calls[1].IdempotencyKey)
}

func TestDecideAndExecuteTimeoutStaysPending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := Request{RequestID: "r1", Key: pair, Score: 75}

	f.writer.setErr(&domain.UpstreamError{Op: "submit_stake", Kind: domain.KindTimeout, Transient: true, Err: context.DeadlineExceeded})
	rec, err := f.engine.DecideAndExecute(ctx, req)
	require.Error(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Contains(t, rec.Error, "deadline")

	f.writer.setErr(nil)
	again, err := f.engine.DecideAndExecute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.Status)
	assert.Equal(t, 1, f.writer.callCount(), "pending records must not be resubmitted")
}

func TestRedriveAdoptsLandedSubmission(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	req := Request{RequestID: "r1", Key: pair, Score: 75}

	f.writer.setErr(&domain.UpstreamError{Op: "submit_stake", Kind: domain.KindConnection, Transient: true, Err: errors.New("connection reset")})
	_, err := f.engine.DecideAndExecute(ctx, req)
	require.Error(t, err)

	f.writer.submissions["r1"] = ledger.Submission{TxRef: "0xlanded", Status: ledger.SubmissionIncluded}
	rec, err := f.engine.DecideAndExecute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
	assert.Equal(t, "0xlanded", rec.TxRef)
	assert.Equal(t, 1, f.writer.callCount())
	assert.Equal(t, []domain.Key{pair}, f.invalidator.keys)
}

func TestOutcomePersistedAfterCallerCancels(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.writer.onSubmit = cancel

	rec, err := f.engine.DecideAndExecute(ctx, Request{RequestID: "r1", Key: pair, Score: 75})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)

	stored, err := f.store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)
}

func TestResolvePending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.writer.setErr(&domain.UpstreamError{Op: "submit_stake", Kind: domain.KindTimeout, Err: context.Canceled})
	pendingA, _ := f.engine.DecideAndExecute(ctx, Request{RequestID: "a", Key: pair, Score: 75})
	pendingB, _ := f.engine.DecideAndExecute(ctx, Request{RequestID: "b", Key: pair, Score: -75})
	pendingC, _ := f.engine.DecideAndExecute(ctx, Request{RequestID: "c", Key: pair, Score: 99})
	require.Equal(t, domain.StatusPending, pendingA.Status)

	f.writer.submissions["a"] = ledger.Submission{TxRef: "0xa", Status: ledger.SubmissionIncluded}
	f.writer.submissions["c"] = ledger.Submission{Status: ledger.SubmissionPending}

	rec, err := f.engine.Resolve(ctx, pendingA)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status)
	assert.Equal(t, "0xa", rec.TxRef)

	rec, err = f.engine.Resolve(ctx, pendingB)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "submission not found on gateway", rec.Error)

	rec, err = f.engine.Resolve(ctx, pendingC)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestRecordFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	cause := fmt.Errorf("%w: all sources down", domain.ErrScoringUnavailable)

	rec, err := f.engine.RecordFailure(ctx, "r1", pair, "api", cause)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.ActionNoOp, rec.Action)
	assert.Nil(t, rec.Score)
	assert.Contains(t, rec.Error, "all sources down")
	assert.Equal(t, 1, rec.Attempts)

	rec, err = f.engine.RecordFailure(ctx, "r1", pair, "api", cause)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)

	_, err = f.engine.DecideAndExecute(ctx, Request{RequestID: "r2", Key: pair, Score: 75})
	require.NoError(t, err)
	rec, err = f.engine.RecordFailure(ctx, "r2", pair, "api", cause)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, rec.Status, "committed records are never overwritten")
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.ThresholdLo = 90
	_, err := NewEngine(storage.NewMemoryStore(), newFakeWriter(), Options{Policy: p}, zerolog.Nop())
	assert.Error(t, err)
}
