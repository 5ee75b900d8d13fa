package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
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

func TestStreamQueueDeliversAndAcks(t *testing.T) {
	client := setupRedis(t)

	var (
		mu       sync.Mutex
		received []Task
		failOnce = true
	)
	done := make(chan struct{})
	handler := func(_ context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		if task.RequestID == "flaky" && failOnce {
			failOnce = false
			return errors.New("store unavailable")
		}
		received = append(received, task)
		if len(received) == 2 {
			close(done)
		}
		return nil
	}

	q, err := NewStreamQueue(client, handler, StreamOptions{
		Stream:    "test:trades",
		Consumer:  "c1",
		Block:     100 * time.Millisecond,
		MinIdle:   200 * time.Millisecond,
		DedupeTTL: time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- q.Run(ctx) }()

	score := 80
	require.NoError(t, q.Enqueue(ctx, Task{RequestID: "ok", SubnetID: 18, AccountKey: "hk", Score: &score}))
	require.NoError(t, q.Enqueue(ctx, Task{RequestID: "flaky", SubnetID: 18, AccountKey: "hk"}))
	assert.ErrorIs(t, q.Enqueue(ctx, Task{RequestID: "ok"}), ErrDuplicateTask)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	cancel()
	require.NoError(t, <-runDone)
	require.NoError(t, q.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	ids := []string{received[0].RequestID, received[1].RequestID}
	assert.ElementsMatch(t, []string{"ok", "flaky"}, ids)
	for _, task := range received {
		if task.RequestID == "ok" {
			require.NotNil(t, task.Score)
			assert.Equal(t, 80, *task.Score)
		}
	}

	pending, err := client.XPending(context.Background(), "test:trades", "trade-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestDecodeTaskRejectsGarbage(t *testing.T) {
	_, err := decodeTask(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": "{"}})
	assert.Error(t, err)

	_, err = decodeTask(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = decodeTask(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": `{"netuid":1}`}})
	assert.Error(t, err)

	task, err := decodeTask(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": `{"request_id":"r","netuid":3,"hotkey":"h"}`}})
	require.NoError(t, err)
	assert.Equal(t, "r", task.RequestID)
	assert.Equal(t, uint16(3), task.Key().SubnetID)
}

func TestNewStreamQueueRequiresConsumer(t *testing.T) {
	_, err := NewStreamQueue(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), nil, StreamOptions{}, zerolog.Nop())
	assert.Error(t, err)
}
