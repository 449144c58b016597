package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/penwyp/go-pod-accounting/internal/application/report"
	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/presentation/formatter"
	"github.com/penwyp/go-pod-accounting/internal/presentation/interaction"
)

var (
	// Sessions listing flags
	sessionsOutput   string
	sessionsPending  bool
	sessionsFromDate string
	sessionsToDate   string
	sessionsSort     string
	sessionsDesc     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Example: `  # Everything not yet reported
  pod-accounting sessions --pending

  # Sessions reported in a date range, as CSV
  pod-accounting sessions --from-date 2024-05-01 --to-date 2024-05-08 -o csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, runSessions)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVarP(&sessionsOutput, "output", "o", "table",
		"Output format (table, json, csv)")
	sessionsCmd.Flags().BoolVar(&sessionsPending, "pending", false,
		"Only sessions not yet handed to a sink")
	sessionsCmd.Flags().StringVar(&sessionsFromDate, "from-date", "",
		"Only sessions reported from this date")
	sessionsCmd.Flags().StringVar(&sessionsToDate, "to-date", "",
		"Only sessions reported before this date")
	sessionsCmd.Flags().StringVar(&sessionsSort, "sort", "start",
		"Sort by field (start, end, wall, user)")
	sessionsCmd.Flags().BoolVar(&sessionsDesc, "desc", false,
		"Sort in descending order")
}

func runSessions(ctx context.Context, rt *runtime) error {
	f, ok := formatter.NewSessionFormatter(sessionsOutput)
	if !ok {
		return fmt.Errorf("unknown output format %q", sessionsOutput)
	}
	field, err := interaction.ParseSortField(sessionsSort)
	if err != nil {
		return err
	}
	order := interaction.SortAscending
	if sessionsDesc {
		order = interaction.SortDescending
	}

	pred := model.All()
	switch {
	case sessionsPending:
		pred = model.Unprocessed()
	case sessionsFromDate != "" || sessionsToDate != "":
		from, to, err := report.ResolveRange(rt.clock.Now(), nil, sessionsFromDate, sessionsToDate)
		if err != nil {
			return err
		}
		pred = model.InWindow(from, to)
	}

	sessions, err := rt.store.Collect(ctx, pred)
	if err != nil {
		return err
	}
	interaction.NewSessionSorter(field, order).Sort(sessions)
	return f.Format(rt.out, sessions)
}
