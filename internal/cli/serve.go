package cli

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, trade workers and reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconciliation pass over pending transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ReconcileOnce(cmd.Context())
	},
}
