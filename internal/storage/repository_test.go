package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tao-dividends/internal/config"
)

// setupPostgres starts a disposable database with migrations applied.
func setupPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("taodividends"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/001_init.sql"}, applied)

	again, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, again)

	store := NewStore(pool)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStoreContract(t *testing.T) {
	store := setupPostgres(t)
	require.NoError(t, store.Ping(context.Background()))
	runTransactionStoreContract(t, store)
}

func TestPostgresQueryLogAndLock(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, store.InsertDividendQuery(ctx, DividendQueryLog{
		SubnetID: 18, AccountKey: "hk", Dividend: 42, Cached: true, QueriedAt: baseTime,
	}))
	rows, err := store.ListDividendQueries(ctx, baseTime.Add(-time.Second), baseTime.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(42), rows[0].Dividend)
	assert.True(t, rows[0].Cached)
	assert.Empty(t, rows[0].Caller)

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, ok, "a second session must not take the same lock")
	unlock()

	unlock, ok, err = store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	_, err := store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
