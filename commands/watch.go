package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/penwyp/go-pod-accounting/internal/core/watch"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

var watchEventsDir string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Merge pod lifecycle events into the session store",
	Long: `Watches a drop directory where a cluster-side watcher writes one JSON file per pod
event (ADDED, MODIFIED, DELETED) and merges each event into the stored session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), false, func(ctx context.Context, rt *runtime) error {
			if watchEventsDir != "" {
				rt.cfg.Watch.EventsDir = watchEventsDir
			}
			if err := rt.openStore(false); err != nil {
				return err
			}
			return runWatch(ctx, rt)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchEventsDir, "events-dir", "",
		"Event drop directory (overrides watch.events_dir)")
}

// runWatch blocks until ctx is cancelled.
func runWatch(ctx context.Context, rt *runtime) error {
	dir := expandPath(rt.cfg.Watch.EventsDir)
	if dir == "" {
		return fmt.Errorf("watch.events_dir is not configured")
	}
	src, err := watch.NewEventSource(dir)
	if err != nil {
		return err
	}
	defer src.Close()

	util.LogInfo("Watching pod events", util.F("dir", dir))
	err = watch.Run(ctx, src, watch.NewHandler(rt.store, rt.cfg.Site.Name, rt.clock))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
