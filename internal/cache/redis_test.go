package cache

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"tao-dividends/internal/domain"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreRoundTripAndTTL(t *testing.T) {
	client := setupRedis(t)
	store := NewRedisStore(client, "")
	ctx := context.Background()

	assert.Equal(t, "tao_dividends:18:5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", store.RedisKey(testKey))

	_, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	observed := time.Now().UTC().Truncate(time.Second)
	entry := Entry{
		Value:     domain.DividendValue{SubnetID: 18, AccountKey: testKey.AccountKey, Amount: 123, ObservedAt: observed},
		ExpiresAt: observed.Add(time.Minute),
	}
	require.NoError(t, store.Set(ctx, testKey, entry, time.Minute))

	got, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(123), got.Value.Amount)
	assert.True(t, got.Value.ObservedAt.Equal(observed))

	ttl, err := client.TTL(ctx, store.RedisKey(testKey)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, store.Delete(ctx, testKey))
	_, ok, err = store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
