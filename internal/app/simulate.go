package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/decision"
	"tao-dividends/internal/domain"
)

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Scores []int
	// Notify 额外通过已配置的告警通道发送一条模拟通知。
	Notify bool
}

// Simulate 按当前策略对给定分数分类并打印结果，不触碰链上账本。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Scores) == 0 {
		return errors.New("至少需要一个 --score")
	}

	policy := a.policy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid decision policy: %w", err)
	}
	if err := printSimulation(os.Stdout, policy, opts.Scores); err != nil {
		return err
	}

	if !opts.Notify {
		return nil
	}
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	score := domain.ClampScore(opts.Scores[0])
	return notifier.Notify(ctx, alerting.Notification{
		Event:         alerting.EventSimulated,
		RequestID:     "simulation",
		SubnetID:      a.Config.Cache.DefaultNetuid,
		AccountKey:    a.Config.Ledger.DefaultHotkey,
		Action:        policy.Classify(score),
		Score:         &score,
		At:            time.Now().UTC(),
		AdditionalMsg: "模拟通知，未提交任何交易",
	})
}

func printSimulation(out io.Writer, policy decision.Policy, scores []int) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Score\tClamped\tAction\tAmount (rao)\tAmount (TAO)")
	for _, raw := range scores {
		score := domain.ClampScore(raw)
		action := policy.Classify(score)
		fmt.Fprintf(writer, "%d\t%d\t%s\t%d\t%s\n",
			raw, score, action.Kind, action.Amount, domain.RaoToTao(action.Amount).String())
	}
	return writer.Flush()
}
