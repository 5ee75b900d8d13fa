package worker

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"tao-dividends/internal/metrics"
)

// PoolOptions size the in-process executor.
type PoolOptions struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Metrics     *metrics.Metrics
}

// PoolQueue runs tasks on a bounded pond pool, separate from request handling.
// Tasks sharing a request id while one is queued or running are coalesced.
type PoolQueue struct {
	pool     pond.Pool
	handler  Handler
	opts     PoolOptions
	inflight *xsync.Map[string, struct{}]
	logger   zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewPoolQueue starts the executor.
func NewPoolQueue(handler Handler, opts PoolOptions, logger zerolog.Logger) *PoolQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &PoolQueue{
		pool:     pond.NewPool(opts.Workers, pond.WithQueueSize(opts.QueueSize), pond.WithNonBlocking(true)),
		handler:  handler,
		opts:     opts,
		inflight: xsync.NewMap[string, struct{}](),
		logger:   logger.With().Str("component", "trade_pool").Logger(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Enqueue schedules task and returns immediately.
func (q *PoolQueue) Enqueue(_ context.Context, task Task) error {
	if q.pool.Stopped() {
		q.opts.Metrics.TradeEnqueued("closed")
		return ErrQueueClosed
	}
	if _, loaded := q.inflight.LoadOrStore(task.RequestID, struct{}{}); loaded {
		q.opts.Metrics.TradeEnqueued("coalesced")
		return ErrDuplicateTask
	}

	submitted := q.pool.Submit(func() {
		defer q.inflight.Delete(task.RequestID)
		q.run(task)
	})

	// non-blocking pools resolve rejected submissions immediately
	select {
	case <-submitted.Done():
		if err := submitted.Wait(); err != nil {
			q.inflight.Delete(task.RequestID)
			q.opts.Metrics.TradeEnqueued("rejected")
			q.logger.Warn().Err(err).Str("request_id", task.RequestID).Msg("trade task rejected")
			return ErrQueueFull
		}
	default:
	}

	q.opts.Metrics.TradeEnqueued("accepted")
	return nil
}

func (q *PoolQueue) run(task Task) {
	ctx, cancel := context.WithTimeout(q.baseCtx, q.opts.TaskTimeout)
	defer cancel()

	started := time.Now()
	if err := q.handler(ctx, task); err != nil {
		q.logger.Error().Err(err).
			Str("request_id", task.RequestID).
			Uint16("netuid", task.SubnetID).
			Dur("took", time.Since(started)).
			Msg("trade task failed")
		return
	}
	q.logger.Debug().Str("request_id", task.RequestID).Dur("took", time.Since(started)).Msg("trade task done")
}

// Waiting reports queued tasks not yet running.
func (q *PoolQueue) Waiting() uint64 {
	return q.pool.WaitingTasks()
}

// Close stops accepting work and drains. If ctx expires first, running tasks are cancelled;
// their records stay Pending for the reconciler.
func (q *PoolQueue) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pool.StopAndWait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

var _ Queue = (*PoolQueue)(nil)
