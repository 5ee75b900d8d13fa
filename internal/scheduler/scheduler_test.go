package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func TestSchedulerAlignedTicks(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 20, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	s := New(Options{Interval: time.Minute, AlignToStart: true, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buckets := make(chan time.Time, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, bucket time.Time) error {
			buckets <- bucket
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	want := []time.Time{
		time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 10, 2, 0, 0, time.UTC),
	}
	for i, w := range want {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("等待定时器失败: %v", err)
		}
		if i == 0 {
			clock.Advance(40 * time.Second)
		} else {
			clock.Advance(time.Minute)
		}
		select {
		case got := <-buckets:
			if !got.Equal(w) {
				t.Fatalf("第 %d 个桶应为 %s, 实际 %s", i, w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("第 %d 个 tick 超时", i)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 应返回 context.Canceled, 实际 %v", err)
	}
}

func TestSchedulerStartupDelayHonoursCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour, Clock: clock}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, func(context.Context, time.Time) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("应立即返回取消错误, 实际 %v", err)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("零间隔应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
