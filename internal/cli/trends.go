package cli

import (
	"github.com/spf13/cobra"
)

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Print top market gainers and losers over the lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trends(cmd.Context())
	},
}
