// Package main provides the entry point for the pipewatch service CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipewatch/pipewatch/cmd/pipewatch/commands"
	"github.com/pipewatch/pipewatch/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipewatch",
		Short: "pipewatch - CI pipeline observer for GitLab groups",
		Long: `pipewatch watches the CI activity of GitLab groups: it backfills
pipeline history, polls for updates, maintains daily aggregates, and
serves a query API over the collected facts.

Commands:
  serve     Run the observer: backfill, poll, enrich, and serve the API
  rebuild   Recompute the daily aggregates from the fact table
  stats     Print a summary of the collected pipeline data
  config    Manage the pipewatch configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewRebuildCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "pipewatch %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
