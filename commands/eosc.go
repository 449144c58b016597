package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	// EOSC report flags
	eoscFromDate string
	eoscToDate   string
	eoscSummary  bool
)

var eoscCmd = &cobra.Command{
	Use:   "eosc",
	Short: "Push flavor usage metrics to EOSC accounting",
	Long: `Sums the wall time of stored sessions per user, VO and flavor metric for every 24h
window since the watermark and pushes one metric per bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, func(ctx context.Context, rt *runtime) error {
			return runEOSCReport(ctx, rt, eoscFromDate, eoscToDate)
		})
	},
}

var hubStatsCmd = &cobra.Command{
	Use:   "hub-stats",
	Short: "Push hub user and running server peaks to EOSC accounting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), false, runHubStats)
	},
}

func init() {
	rootCmd.AddCommand(eoscCmd)
	eoscCmd.AddCommand(hubStatsCmd)

	eoscCmd.Flags().StringVar(&eoscFromDate, "from-date", "",
		"Start date to report from (default: watermark or yesterday)")
	eoscCmd.Flags().StringVar(&eoscToDate, "to-date", "",
		"End date to report to (default: today 00:00 UTC)")
	eoscCmd.PersistentFlags().BoolVar(&eoscSummary, "summary", false,
		"Print a summary of the pushed metrics")
}
