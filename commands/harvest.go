package commands

import (
	"github.com/spf13/cobra"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Rebuild sessions from Prometheus and spool their APEL records",
	Long: `Queries Prometheus for pod creation, phase, annotation, image and usage series, rebuilds
every session seen in the lookback range, merges it with the stored copy and hands the APEL
batch to the spool directory (or stdout when no spool is configured).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, runHarvest)
	},
}

func init() {
	rootCmd.AddCommand(harvestCmd)
}
