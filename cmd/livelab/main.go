// Package main provides the livelab command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/config"
	"github.com/livinglabs/livelab/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livelab",
		Short: "Living Labs evaluation tooling",
		Long: `livelab drives a Living Labs evaluation platform from the outside.

Run 'livelab simulate' to send simulated click feedback for a site.
Run 'livelab sweep' to apply the run retention policy once.
Run 'livelab site' to upload queries and document lists from TREC files.
Run 'livelab events' to read or replay the audited event log.
Run 'livelab history' to read the NDCG history of simulated sites.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		simulateCmd(),
		sweepCmd(),
		siteCmd(),
		eventsCmd(),
		historyCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "livelab %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// setup loads the configuration named by the global flags and builds the
// logger. --verbose forces debug logging.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), level, cfg.Log.Format)
	return cfg, log, nil
}
