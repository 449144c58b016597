package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Configuration sources
	configFile string
	envFile    string

	// Logging related
	debug bool

	// Run behaviour
	dryRun bool

	rootCmd = &cobra.Command{
		Use:   "pod-accounting",
		Short: "Accounting harvester for notebook pod sessions",
		Long: `pod-accounting rebuilds pod sessions from Prometheus metrics and reports their usage
as APEL accounting records and EOSC flavor metrics.

Examples:
  pod-accounting harvest                              # Harvest sessions and spool APEL records
  pod-accounting harvest --dry-run                    # Print the APEL batch instead of spooling it
  pod-accounting apel --from-date 2024-05-01          # Re-send APEL records from the store
  pod-accounting eosc                                 # Push flavor metrics since the last watermark
  pod-accounting eosc hub-stats                       # Push hub user and server counts
  pod-accounting sessions --output json               # Dump stored sessions
  pod-accounting serve                                # Run everything on a schedule`,
		SilenceUsage: true,
	}
)

const (
	defaultConfigFile = "/etc/pod-accounting/config.yaml"
	defaultEnvFile    = ".env"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"Configuration file (YAML); a missing default file is ignored")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile,
		"Dotenv file loaded before reading environment overrides")

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"Enable debug mode")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"Print results instead of delivering them; no state is changed")
}

// Execute runs the command line. SIGINT and SIGTERM cancel the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// Helper functions

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
