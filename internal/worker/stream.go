package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tao-dividends/internal/metrics"
)

// StreamOptions configure the redis stream queue.
type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	// MaxLen caps the stream approximately; zero keeps everything.
	MaxLen int64
	Count  int64
	Block  time.Duration
	// MinIdle is how long a delivered message may stay unacked before another consumer claims it.
	MinIdle time.Duration
	// DedupeTTL keeps a request id reserved after enqueue so duplicates collapse across processes.
	DedupeTTL   time.Duration
	Workers     int
	TaskTimeout time.Duration
	Metrics     *metrics.Metrics
}

// StreamQueue delivers tasks through a redis stream consumer group: at-least-once,
// shared by every process in the deployment.
type StreamQueue struct {
	client  goredis.Cmdable
	opts    StreamOptions
	handler Handler
	pool    pond.Pool
	logger  zerolog.Logger
}

// NewStreamQueue validates opts. Call Run to start consuming.
func NewStreamQueue(client goredis.Cmdable, handler Handler, opts StreamOptions, logger zerolog.Logger) (*StreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Stream == "" {
		opts.Stream = "tao_dividends:trades"
	}
	if opts.Group == "" {
		opts.Group = "trade-workers"
	}
	if opts.Consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 5 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}

	return &StreamQueue{
		client:  client,
		opts:    opts,
		handler: handler,
		pool:    pond.NewPool(opts.Workers),
		logger:  logger.With().Str("component", "trade_stream").Str("stream", opts.Stream).Logger(),
	}, nil
}

func (q *StreamQueue) dedupeKey(requestID string) string {
	return q.opts.Stream + ":req:" + requestID
}

// Enqueue appends task to the stream unless its request id was enqueued within DedupeTTL.
func (q *StreamQueue) Enqueue(ctx context.Context, task Task) error {
	if q.pool.Stopped() {
		return ErrQueueClosed
	}
	if q.opts.DedupeTTL > 0 {
		fresh, err := q.client.SetNX(ctx, q.dedupeKey(task.RequestID), 1, q.opts.DedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("reserve request id: %w", err)
		}
		if !fresh {
			q.opts.Metrics.TradeEnqueued("coalesced")
			return ErrDuplicateTask
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]interface{}{"data": string(data)},
	}
	if q.opts.MaxLen > 0 {
		args.MaxLen = q.opts.MaxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		if q.opts.DedupeTTL > 0 {
			_ = q.client.Del(ctx, q.dedupeKey(task.RequestID)).Err()
		}
		q.opts.Metrics.TradeEnqueued("rejected")
		return fmt.Errorf("xadd trade task: %w", err)
	}
	q.opts.Metrics.TradeEnqueued("accepted")
	return nil
}

// Run consumes until ctx is cancelled. Stale deliveries from dead consumers are claimed first.
func (q *StreamQueue) Run(ctx context.Context) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	q.logger.Info().Str("group", q.opts.Group).Str("consumer", q.opts.Consumer).Msg("trade stream consumer ready")

	retryInterval := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msgs, err := q.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn().Err(err).Dur("retry_in", retryInterval).Msg("read from trade stream failed")
			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, 30*time.Second)
			case <-ctx.Done():
				return nil
			}
			continue
		}
		retryInterval = time.Second

		if len(msgs) == 0 {
			continue
		}
		group := q.pool.NewGroupContext(ctx)
		for _, msg := range msgs {
			group.Submit(func() {
				q.process(ctx, msg)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			q.logger.Warn().Err(err).Msg("trade batch incomplete")
		}
	}
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *StreamQueue) read(ctx context.Context) ([]goredis.XMessage, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.MinIdle,
		Start:    "0-0",
		Count:    q.opts.Count,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		q.logger.Info().Int("count", len(claimed)).Msg("claimed stale trade tasks")
		return claimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    q.opts.Count,
		Block:    q.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var msgs []goredis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (q *StreamQueue) process(ctx context.Context, msg goredis.XMessage) {
	log := q.logger.With().Str("message_id", msg.ID).Logger()

	task, err := decodeTask(msg)
	if err != nil {
		// poison message: retrying cannot fix it
		log.Error().Err(err).Msg("dropping undecodable trade task")
		q.ack(ctx, msg.ID)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, q.opts.TaskTimeout)
	defer cancel()
	if err := q.handler(taskCtx, task); err != nil {
		log.Error().Err(err).Str("request_id", task.RequestID).Msg("trade task failed, left for redelivery")
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *StreamQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(context.WithoutCancel(ctx), q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		q.logger.Warn().Err(err).Str("message_id", id).Msg("failed to ack trade task")
	}
}

func decodeTask(msg goredis.XMessage) (Task, error) {
	var raw []byte
	switch v := msg.Values["data"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return Task{}, errors.New("message has no data field")
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode trade task: %w", err)
	}
	if task.RequestID == "" {
		return Task{}, errors.New("trade task has no request id")
	}
	return task, nil
}

// Close stops dispatching and waits for running handlers.
func (q *StreamQueue) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*StreamQueue)(nil)
