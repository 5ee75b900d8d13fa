package app

import (
	"context"
	"errors"
	"os"
	"time"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/service"
	"tao-dividends/internal/worker"
)

// TradeOptions configure a manual pipeline run.
type TradeOptions struct {
	Netuid uint16
	Hotkey string
	// Score skips the sentiment scorer when set.
	Score  *int
	Caller string
}

// Trade runs the sentiment -> decision -> ledger pipeline for one pair in the foreground.
// It uses the same request id derivation as the API, so it collapses with API triggers in the same bucket.
func (a *App) Trade(ctx context.Context, opts TradeOptions) error {
	if opts.Hotkey == "" {
		return errors.New("--hotkey 必须提供")
	}
	if opts.Caller == "" {
		opts.Caller = "cli"
	}

	c, err := a.build(ctx, opts.Score == nil)
	if err != nil {
		return err
	}
	defer c.Close()

	pipeline := c.pipeline
	if pipeline == nil {
		pipeline = service.NewPipeline(nil, c.engine, c.notifier, a.Logger)
	}

	key := domain.Key{SubnetID: opts.Netuid, AccountKey: opts.Hotkey}
	now := time.Now().UTC()
	task := worker.Task{
		RequestID:  service.RequestID(key, now.Truncate(a.Config.Decision.BucketWindow)),
		SubnetID:   key.SubnetID,
		AccountKey: key.AccountKey,
		Caller:     opts.Caller,
		Score:      opts.Score,
		EnqueuedAt: now,
	}

	rec, err := pipeline.Execute(ctx, task)
	if err != nil {
		return err
	}
	if err := printRecords(os.Stdout, []domain.TransactionRecord{rec}); err != nil {
		return err
	}
	if rec.Status == domain.StatusFailed {
		return errors.New("trade failed: " + rec.Error)
	}
	return nil
}
