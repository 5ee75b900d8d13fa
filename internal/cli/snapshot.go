package cli

import (
	"github.com/spf13/cobra"

	"tao-dividends/internal/app"
)

var (
	snapshotNetuid  uint16
	snapshotHotkey  string
	snapshotDryRun  bool
	snapshotWorkers int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Record current on-chain dividends into the query history",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SnapshotOptions{
			Hotkey:  snapshotHotkey,
			DryRun:  snapshotDryRun,
			Workers: snapshotWorkers,
		}
		if cmd.Flags().Changed("netuid") {
			netuid := snapshotNetuid
			opts.Netuid = &netuid
		}

		return getApp().Snapshot(cmd.Context(), opts)
	},
}

func init() {
	snapshotCmd.Flags().Uint16Var(&snapshotNetuid, "netuid", 0, "Limit the scan to one subnet")
	snapshotCmd.Flags().StringVar(&snapshotHotkey, "hotkey", "", "Limit the scan to one hotkey")
	snapshotCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "Run without writing to storage")
	snapshotCmd.Flags().IntVar(&snapshotWorkers, "workers", 2, "Number of concurrent writers")
}
