package commands

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/penwyp/go-pod-accounting/internal/application/importer"
	"github.com/penwyp/go-pod-accounting/internal/data/cache"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

var (
	// Import flags
	importOverwrite   bool
	importLedger      string
	importConcurrency int
)

var importCmd = &cobra.Command{
	Use:   "import <dump-dir>",
	Short: "Load sessions from APEL message dumps into the store",
	Long: `Reads every APEL cloud message file below a directory (for example an old outgoing
spool) and stores the sessions it describes. Files already imported in the same version are
skipped. Stored sessions are kept unless --overwrite is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), true, func(ctx context.Context, rt *runtime) error {
			return runImport(ctx, rt, expandPath(args[0]))
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false,
		"Merge dumped sessions into stored ones")
	importCmd.Flags().StringVar(&importLedger, "ledger", "",
		"Import ledger file (default: import-ledger.json next to the store)")
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", 4,
		"Number of files parsed concurrently")
}

func runImport(ctx context.Context, rt *runtime, dir string) error {
	path := expandPath(importLedger)
	if path == "" {
		path = filepath.Join(filepath.Dir(expandPath(rt.cfg.Store.Path)), "import-ledger.json")
	}
	ledger, err := cache.OpenLedger(path)
	if err != nil {
		return err
	}

	im := &importer.Importer{
		Store:       rt.store,
		Ledger:      ledger,
		Concurrency: importConcurrency,
		Overwrite:   importOverwrite,
		Clock:       rt.clock,
	}
	res, err := im.Run(ctx, dir)
	util.LogInfo("Import finished",
		util.F("files", res.Files),
		util.F("skipped", res.Skipped),
		util.F("sessions", res.Sessions),
		util.F("written", res.Written))
	return err
}
