package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bergamotd",
	Short: "Visit ingestion and tree reconciliation engine",
	Long: `bergamotd reconciles a stream of browser page-visit events into
navigation trees, tracking orphaned children until their parent tab
arrives and handing completed trees to an external analysis workflow.`,
	// A RunE error returned by serve/submit is printed by cobra itself
	// and propagates to main's os.Exit(1), matching spec §6's "non-zero
	// on schema or I/O failure" exit-code contract.
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bergamot.toml", "path to the TOML configuration file")
	rootCmd.AddCommand(serveCmd, submitCmd)
}
