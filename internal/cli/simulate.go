package cli

import (
	"github.com/spf13/cobra"

	"tao-dividends/internal/app"
)

var (
	simulateScores []int
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "按当前策略模拟情绪分数对应的质押动作",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Scores: simulateScores,
			Notify: simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().IntSliceVar(&simulateScores, "score", nil, "情绪分数 (-100..100)，可重复")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "同时发送一条模拟告警")
}
