package cache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
)

// Entry is a cached dividend value and its absolute expiry.
type Entry struct {
	Value     domain.DividendValue `json:"value"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Live reports whether the entry is still valid at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the storage boundary behind the cache. Implementations need not be coherent across processes.
type Store interface {
	Get(ctx context.Context, key domain.Key) (Entry, bool, error)
	Set(ctx context.Context, key domain.Key, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key domain.Key) error
}

// FetchFunc loads a fresh value from upstream.
type FetchFunc func(ctx context.Context) (domain.DividendValue, error)

// Options tune cache behaviour.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
}

// Cache is a TTL read-through cache that collapses concurrent misses for a key into one upstream fetch.
type Cache struct {
	store        Store
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        clockwork.Clock
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	flights     singleflight.Group
	generations *xsync.Map[domain.Key, uint64]
}

// New wraps store with single-flight loading.
func New(store Store, opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 120 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		store:        store,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       logger.With().Str("component", "value_cache").Logger(),
		generations:  xsync.NewMap[domain.Key, uint64](),
	}
}

type flightResult struct {
	value  domain.DividendValue
	cached bool
}

// GetOrFetch returns a live cached value or loads one through fetch. The bool reports a cache hit.
// Concurrent misses for the same key share one fetch; a failed fetch is not cached and every
// waiter receives the same *domain.CacheFetchError.
func (c *Cache) GetOrFetch(ctx context.Context, key domain.Key, fetch FetchFunc) (domain.DividendValue, bool, error) {
	if entry, ok := c.lookup(ctx, key); ok {
		c.metrics.CacheLookup("hit")
		return entry.Value, true, nil
	}

	gen := c.generation(key)
	ch := c.flights.DoChan(key.String(), func() (any, error) {
		// The fetch outlives any single waiter.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		if entry, ok := c.lookup(fetchCtx, key); ok {
			return flightResult{value: entry.Value, cached: true}, nil
		}

		value, err := fetch(fetchCtx)
		if err != nil {
			return nil, &domain.CacheFetchError{Key: key, Err: err}
		}

		c.populate(fetchCtx, key, gen, value)
		return flightResult{value: value}, nil
	})

	select {
	case <-ctx.Done():
		return domain.DividendValue{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.metrics.CacheLookup("error")
			return domain.DividendValue{}, false, res.Err
		}
		out := res.Val.(flightResult)
		switch {
		case out.cached:
			c.metrics.CacheLookup("hit")
		case res.Shared:
			c.metrics.CacheLookup("shared")
		default:
			c.metrics.CacheLookup("miss")
		}
		return out.value, out.cached, nil
	}
}

// populate stores value unless key was invalidated after the fetch started. Invalidate bumps the
// generation before deleting, so a generation change seen after the set means the entry may be
// stale and is dropped again.
func (c *Cache) populate(ctx context.Context, key domain.Key, gen uint64, value domain.DividendValue) {
	if c.generation(key) != gen {
		return
	}
	entry := Entry{Value: value, ExpiresAt: c.clock.Now().Add(c.ttl)}
	if err := c.store.Set(ctx, key, entry, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache set failed")
		return
	}
	if c.generation(key) != gen {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache delete failed")
		}
	}
}

// Invalidate drops the cached value for key. A fetch already in flight will not repopulate it,
// and the next miss starts a fresh fetch instead of joining the stale one, so for a short window
// two upstream reads of key may be in flight.
func (c *Cache) Invalidate(ctx context.Context, key domain.Key) {
	c.generations.Compute(key, func(old uint64, _ bool) (uint64, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	c.flights.Forget(key.String())
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache delete failed")
	}
}

func (c *Cache) lookup(ctx context.Context, key domain.Key) (Entry, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache get failed; treating as miss")
		return Entry{}, false
	}
	if !ok || !entry.Live(c.clock.Now()) {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) generation(key domain.Key) uint64 {
	gen, _ := c.generations.Load(key)
	return gen
}
