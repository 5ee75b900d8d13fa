package app

import (
	"context"
	"fmt"
	"time"
)

// ReconcileOnce runs a single reconciliation pass under the advisory lock.
func (a *App) ReconcileOnce(ctx context.Context) error {
	c, err := a.build(ctx, a.Config.Reconcile.RedriveFailed)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.pg == nil {
		return fmt.Errorf("database.dsn 未配置，无法对账")
	}

	rc := a.newReconciler(c, false)
	if err := rc.Tick(ctx, time.Now().UTC()); err != nil {
		return err
	}
	a.Logger.Info().Msg("reconcile pass complete")
	return nil
}
