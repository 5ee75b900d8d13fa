package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/storage"
)

// SnapshotOptions configure the snapshot job.
type SnapshotOptions struct {
	Netuid  *uint16
	Hotkey  string
	DryRun  bool
	Workers int
}

// Snapshot 扫描链上当前分红并写入 dividend_queries，为 export 提供历史数据。
func (a *App) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	var queries storage.QueryLogStore
	if opts.DryRun {
		a.Logger.Warn().Msg("snapshot dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法写入快照")
		}
		defer closeStore()
		queries = store
	}

	client := a.newLedger()
	defer client.Close()

	query := domain.DividendQuery{SubnetID: opts.Netuid}
	if opts.Hotkey != "" {
		hotkey := opts.Hotkey
		query.AccountKey = &hotkey
	}
	if err := query.Validate(); err != nil {
		return err
	}

	values, err := client.ScanDividends(ctx, query)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("pairs", len(values)).Msg("dividends scanned")
	if queries == nil {
		return nil
	}

	now := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, v := range values {
		g.Go(func() error {
			return queries.InsertDividendQuery(gctx, storage.DividendQueryLog{
				SubnetID:   v.SubnetID,
				AccountKey: v.AccountKey,
				Dividend:   v.Amount,
				Caller:     "snapshot",
				QueriedAt:  now,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int("written", len(values)).Msg("快照写入完成")
	return nil
}
