package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "costflow",
	Short: "Cost ingestion, allocation and aggregation service",
	Long: `costflow pulls usage from cloud, AI model and subscription providers,
normalizes it into tenant cost records allocated to the organizational
hierarchy, and serves cached cost aggregations.

Configuration is read from the environment and an optional .env file.`,
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(serveCmd, migrateCmd, runCmd, seedCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
