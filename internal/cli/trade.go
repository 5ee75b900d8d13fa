package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"tao-dividends/internal/app"
)

var (
	tradeNetuid uint16
	tradeHotkey string
	tradeScore  int
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run the sentiment stake pipeline for one pair in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tradeHotkey == "" {
			return errors.New("--hotkey 必须提供")
		}

		opts := app.TradeOptions{
			Netuid: tradeNetuid,
			Hotkey: tradeHotkey,
		}
		if cmd.Flags().Changed("score") {
			score := tradeScore
			opts.Score = &score
		}

		return getApp().Trade(cmd.Context(), opts)
	},
}

func init() {
	tradeCmd.Flags().Uint16Var(&tradeNetuid, "netuid", 0, "Subnet id")
	tradeCmd.Flags().StringVar(&tradeHotkey, "hotkey", "", "Validator hotkey (SS58)")
	tradeCmd.Flags().IntVar(&tradeScore, "score", 0, "Use this sentiment score instead of querying sources")
}
