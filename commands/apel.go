package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	// APEL report flags
	apelFromDate string
	apelToDate   string
	apelPending  bool
)

var apelCmd = &cobra.Command{
	Use:   "apel",
	Short: "Generate APEL records from the session store",
	Long: `Emits one APEL batch per 24h window between the watermark (or yesterday) and today's
midnight UTC, then advances the watermark. With --pending every session not yet handed to a
sink is emitted instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, func(ctx context.Context, rt *runtime) error {
			return runAPELReport(ctx, rt, apelFromDate, apelToDate, apelPending)
		})
	},
}

func init() {
	rootCmd.AddCommand(apelCmd)

	apelCmd.Flags().StringVar(&apelFromDate, "from-date", "",
		"Start date to report from (default: watermark or yesterday)")
	apelCmd.Flags().StringVar(&apelToDate, "to-date", "",
		"End date to report to (default: today 00:00 UTC)")
	apelCmd.Flags().BoolVar(&apelPending, "pending", false,
		"Report every unprocessed session instead of windows")
}
