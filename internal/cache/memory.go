package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/logging"
)

// MemoryStore keeps entries in a process-local concurrent map.
type MemoryStore struct {
	entries *xsync.Map[domain.Key, Entry]
	clock   clockwork.Clock
}

// NewMemoryStore builds an empty store; clock may be nil.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{entries: xsync.NewMap[domain.Key, Entry](), clock: clock}
}

func (m *MemoryStore) Get(_ context.Context, key domain.Key) (Entry, bool, error) {
	entry, ok := m.entries.Load(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Live(m.clock.Now()) {
		m.entries.Compute(key, func(cur Entry, loaded bool) (Entry, xsync.ComputeOp) {
			if loaded && !cur.Live(m.clock.Now()) {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key domain.Key, entry Entry, _ time.Duration) error {
	m.entries.Store(key, entry)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key domain.Key) error {
	m.entries.Delete(key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	return m.entries.Size()
}

// EvictExpired removes expired entries and returns how many were dropped.
func (m *MemoryStore) EvictExpired() int {
	now := m.clock.Now()
	var expired []domain.Key
	m.entries.Range(func(key domain.Key, entry Entry) bool {
		if !entry.Live(now) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		m.entries.Compute(key, func(cur Entry, loaded bool) (Entry, xsync.ComputeOp) {
			if loaded && !cur.Live(now) {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	}
	return len(expired)
}

// StartEviction schedules EvictExpired on a cron spec such as "@every 1m".
func (m *MemoryStore) StartEviction(spec string, logger zerolog.Logger) (func(), error) {
	log := logger.With().Str("component", "cache_eviction").Logger()
	c := cron.New(cron.WithChain(cron.Recover(logging.CronLogger(log))))
	if _, err := c.AddFunc(spec, func() {
		if n := m.EvictExpired(); n > 0 {
			log.Debug().Int("evicted", n).Msg("evicted expired cache entries")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule cache eviction: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

var _ Store = (*MemoryStore)(nil)
