package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/domain"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/worker"
)

type fakeReader struct {
	reads  atomic.Int32
	scans  atomic.Int32
	delay  time.Duration
	amount atomic.Uint64
	err    error
}

func (f *fakeReader) QueryDividend(ctx context.Context, subnetID uint16, accountKey string) (domain.DividendValue, error) {
	f.reads.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.DividendValue{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.DividendValue{}, f.err
	}
	return domain.DividendValue{SubnetID: subnetID, AccountKey: accountKey, Amount: f.amount.Load(), Block: 100}, nil
}

func (f *fakeReader) ScanDividends(_ context.Context, query domain.DividendQuery) ([]domain.DividendValue, error) {
	f.scans.Add(1)
	out := []domain.DividendValue{
		{SubnetID: 1, AccountKey: "a", Amount: 1},
		{SubnetID: 2, AccountKey: "a", Amount: 2},
		{SubnetID: 2, AccountKey: "b", Amount: 3},
	}
	var filtered []domain.DividendValue
	for _, v := range out {
		if query.SubnetID != nil && v.SubnetID != *query.SubnetID {
			continue
		}
		if query.AccountKey != nil && v.AccountKey != *query.AccountKey {
			continue
		}
		filtered = append(filtered, v)
	}
	return filtered, nil
}

type fakeWriter struct {
	mu          sync.Mutex
	calls       []ledger.SubmitRequest
	err         error
	submissions map[string]ledger.Submission
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{submissions: make(map[string]ledger.Submission)}
}

func (f *fakeWriter) submit(req ledger.SubmitRequest) (ledger.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return ledger.TxHandle{}, f.err
	}
	return ledger.TxHandle{TxRef: fmt.Sprintf("0xtx%d", len(f.calls))}, nil
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

func (f *fakeWriter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []worker.Task
	seen  map[string]bool
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.seen == nil {
		q.seen = make(map[string]bool)
	}
	if q.seen[task.RequestID] {
		return worker.ErrDuplicateTask
	}
	q.seen[task.RequestID] = true
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Close(context.Context) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) events() []alerting.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]alerting.Event, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Event)
	}
	return out
}

type fakeLocker struct {
	acquired bool
	calls    atomic.Int32
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls.Add(1)
	return func() {}, l.acquired, nil
}

// countingScorer returns a fixed score and counts how often it was asked.
type countingScorer struct {
	score int
	err   atomic.Pointer[error]
	calls atomic.Int32
}

func (s *countingScorer) Score(_ context.Context, subnetID uint16) (domain.SentimentScore, error) {
	s.calls.Add(1)
	if errp := s.err.Load(); errp != nil {
		return domain.SentimentScore{}, *errp
	}
	return domain.SentimentScore{SubnetID: subnetID, Score: s.score, SourcesUsed: 1}, nil
}
