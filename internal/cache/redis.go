package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"tao-dividends/internal/domain"
)

// DefaultKeyPrefix matches the key layout used by earlier deployments.
const DefaultKeyPrefix = "tao_dividends"

// RedisStore shares cached values between replicas. Redis enforces the TTL.
type RedisStore struct {
	client goredis.Cmdable
	prefix string
}

// NewRedisStore builds a store over an existing client.
func NewRedisStore(client goredis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// RedisKey renders "<prefix>:<netuid>:<hotkey>".
func (r *RedisStore) RedisKey(key domain.Key) string {
	return fmt.Sprintf("%s:%d:%s", r.prefix, key.SubnetID, key.AccountKey)
}

func (r *RedisStore) Get(ctx context.Context, key domain.Key) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.RedisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key domain.Key, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.RedisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key domain.Key) error {
	if err := r.client.Del(ctx, r.RedisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TieredStore reads through a local store to a shared one and backfills the local copy.
type TieredStore struct {
	local  Store
	remote Store
	clock  clockwork.Clock
}

func NewTieredStore(local, remote Store, clock clockwork.Clock) *TieredStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TieredStore{local: local, remote: remote, clock: clock}
}

func (t *TieredStore) Get(ctx context.Context, key domain.Key) (Entry, bool, error) {
	if entry, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return entry, true, nil
	}
	entry, ok, err := t.remote.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if remaining := entry.ExpiresAt.Sub(t.clock.Now()); remaining > 0 {
		_ = t.local.Set(ctx, key, entry, remaining)
	}
	return entry, true, nil
}

func (t *TieredStore) Set(ctx context.Context, key domain.Key, entry Entry, ttl time.Duration) error {
	if err := t.local.Set(ctx, key, entry, ttl); err != nil {
		return err
	}
	return t.remote.Set(ctx, key, entry, ttl)
}

func (t *TieredStore) Delete(ctx context.Context, key domain.Key) error {
	localErr := t.local.Delete(ctx, key)
	remoteErr := t.remote.Delete(ctx, key)
	return errors.Join(localErr, remoteErr)
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*TieredStore)(nil)
)
