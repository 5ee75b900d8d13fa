package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tao-dividends/internal/domain"
)

// MemoryStore is a process-local TransactionStore and QueryLogStore for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.TransactionRecord
	queries []DividendQueryLog
	nextID  int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.TransactionRecord)}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, rec domain.TransactionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.RequestID]; exists {
		return false, nil
	}
	m.records[rec.RequestID] = cloneRecord(rec)
	return true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, requestID string, from domain.Status, upd StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != from {
		return ErrStatusConflict
	}
	upd.Apply(&rec)
	m.records[requestID] = rec
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, requestID string, from domain.Status, next domain.TransactionRecord) (domain.TransactionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[requestID]
	if !ok || rec.Status != from {
		return domain.TransactionRecord{}, false, nil
	}
	rec.Action = next.Action
	rec.Amount = next.Amount
	rec.Score = next.Score
	rec.Status = next.Status
	rec.TxRef = ""
	rec.Error = next.Error
	rec.Attempts++
	if next.Caller != "" {
		rec.Caller = next.Caller
	}
	rec.UpdatedAt = next.UpdatedAt
	rec.CompletedAt = next.CompletedAt

	m.records[requestID] = cloneRecord(rec)
	return cloneRecord(rec), true, nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (domain.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[requestID]
	if !ok {
		return domain.TransactionRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	return m.filter(limit, byUpdatedAsc, func(r domain.TransactionRecord) bool {
		return r.Status == domain.StatusPending && r.UpdatedAt.Before(olderThan)
	}), nil
}

func (m *MemoryStore) ListFailed(_ context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	return m.filter(limit, byUpdatedAsc, func(r domain.TransactionRecord) bool {
		return r.Status == domain.StatusFailed && r.Attempts < maxAttempts && r.UpdatedAt.Before(olderThan)
	}), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]domain.TransactionRecord, error) {
	return m.filter(limit, byCreatedDesc, func(domain.TransactionRecord) bool { return true }), nil
}

func (m *MemoryStore) InsertDividendQuery(_ context.Context, entry DividendQueryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	if entry.QueriedAt.IsZero() {
		entry.QueriedAt = time.Now().UTC()
	}
	m.queries = append(m.queries, entry)
	return nil
}

func (m *MemoryStore) ListDividendQueries(_ context.Context, from, to time.Time, limit int) ([]DividendQueryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DividendQueryLog, 0)
	for _, q := range m.queries {
		if q.QueriedAt.Before(from) || !q.QueriedAt.Before(to) {
			continue
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueriedAt.Before(out[j].QueriedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) filter(limit int, less func(a, b domain.TransactionRecord) bool, keep func(domain.TransactionRecord) bool) []domain.TransactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.TransactionRecord, 0)
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byUpdatedAsc(a, b domain.TransactionRecord) bool  { return a.UpdatedAt.Before(b.UpdatedAt) }
func byCreatedDesc(a, b domain.TransactionRecord) bool { return a.CreatedAt.After(b.CreatedAt) }

func cloneRecord(rec domain.TransactionRecord) domain.TransactionRecord {
	if rec.Score != nil {
		score := *rec.Score
		rec.Score = &score
	}
	if rec.CompletedAt != nil {
		completed := *rec.CompletedAt
		rec.CompletedAt = &completed
	}
	return rec
}

var (
	_ TransactionStore = (*MemoryStore)(nil)
	_ QueryLogStore    = (*MemoryStore)(nil)
)
