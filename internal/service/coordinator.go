package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tao-dividends/internal/cache"
	"tao-dividends/internal/domain"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/storage"
	"tao-dividends/internal/worker"
)

var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tao-dividends/trade"))

// RequestID derives the idempotency key for a trade on key within the bucket starting at bucket.
func RequestID(key domain.Key, bucket time.Time) string {
	name := fmt.Sprintf("%d|%s|%d", key.SubnetID, key.AccountKey, bucket.UTC().Unix())
	return uuid.NewSHA1(requestNamespace, []byte(name)).String()
}

// CoordinatorOptions parameterise the read path.
type CoordinatorOptions struct {
	// BucketWindow coalesces trade triggers for one pair into one request id.
	BucketWindow time.Duration
	AuditTimeout time.Duration
	Clock        clockwork.Clock
}

// HandleOptions describe one caller request.
type HandleOptions struct {
	Trade  bool
	Caller string
}

// Result is what a caller gets back. Cached is only meaningful for single-pair queries.
type Result struct {
	Values         []domain.DividendValue
	Cached         bool
	TradeTriggered bool
	RequestID      string
}

// Coordinator answers dividend queries and schedules trade pipelines without waiting on them.
type Coordinator struct {
	cache  *cache.Cache
	reader ledger.Reader
	queue  worker.Queue
	audit  storage.QueryLogStore
	opts   CoordinatorOptions
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewCoordinator wires the read path. queue and audit may be nil.
func NewCoordinator(c *cache.Cache, reader ledger.Reader, queue worker.Queue, audit storage.QueryLogStore, opts CoordinatorOptions, logger zerolog.Logger) *Coordinator {
	if opts.BucketWindow <= 0 {
		opts.BucketWindow = 5 * time.Minute
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 2 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		cache:  c,
		reader: reader,
		queue:  queue,
		audit:  audit,
		opts:   opts,
		clock:  clock,
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// Handle serves query. Single-pair queries go through the cache; partial and global
// queries scan the ledger directly. A trade is only scheduled for a single pair, and only
// after the read succeeded.
func (c *Coordinator) Handle(ctx context.Context, query domain.DividendQuery, opts HandleOptions) (Result, error) {
	if err := query.Validate(); err != nil {
		return Result{}, err
	}

	key, single := query.Key()
	if opts.Trade && !single {
		return Result{}, fmt.Errorf("%w: trade requires both netuid and hotkey", domain.ErrInvalidQuery)
	}

	if !single {
		values, err := c.reader.ScanDividends(ctx, query)
		if err != nil {
			return Result{}, fmt.Errorf("scan dividends: %w", err)
		}
		return Result{Values: values}, nil
	}

	value, cached, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (domain.DividendValue, error) {
		return c.reader.QueryDividend(ctx, key.SubnetID, key.AccountKey)
	})
	if err != nil {
		return Result{}, err
	}
	c.recordQuery(ctx, value, cached, opts.Caller)

	res := Result{Values: []domain.DividendValue{value}, Cached: cached}
	if opts.Trade {
		res.RequestID, res.TradeTriggered = c.trigger(ctx, key, opts.Caller)
	}
	return res, nil
}

// Trigger schedules a trade for key outside the read path, e.g. from the CLI.
func (c *Coordinator) Trigger(ctx context.Context, key domain.Key, caller string, score *int) (string, error) {
	task := c.newTask(key, caller)
	task.Score = score
	if c.queue == nil {
		return task.RequestID, worker.ErrQueueClosed
	}
	err := c.queue.Enqueue(ctx, task)
	if errors.Is(err, worker.ErrDuplicateTask) {
		return task.RequestID, nil
	}
	return task.RequestID, err
}

func (c *Coordinator) trigger(ctx context.Context, key domain.Key, caller string) (string, bool) {
	requestID, err := c.Trigger(ctx, key, caller, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("request_id", requestID).Str("pair", key.String()).Msg("trade not scheduled")
		return requestID, false
	}
	c.logger.Info().Str("request_id", requestID).Str("pair", key.String()).Str("caller", caller).Msg("trade scheduled")
	return requestID, true
}

func (c *Coordinator) newTask(key domain.Key, caller string) worker.Task {
	now := c.clock.Now().UTC()
	return worker.Task{
		RequestID:  RequestID(key, now.Truncate(c.opts.BucketWindow)),
		SubnetID:   key.SubnetID,
		AccountKey: key.AccountKey,
		Caller:     caller,
		EnqueuedAt: now,
	}
}

func (c *Coordinator) recordQuery(ctx context.Context, value domain.DividendValue, cached bool, caller string) {
	if c.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AuditTimeout)
	defer cancel()

	entry := storage.DividendQueryLog{
		SubnetID:   value.SubnetID,
		AccountKey: value.AccountKey,
		Dividend:   value.Amount,
		Cached:     cached,
		Caller:     caller,
		QueriedAt:  c.clock.Now().UTC(),
	}
	if err := c.audit.InsertDividendQuery(actx, entry); err != nil {
		c.logger.Warn().Err(err).Str("pair", value.Key().String()).Msg("failed to record dividend query")
	}
}
