package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nosana-node",
	Short: "Nosana Node - decentralized compute worker",
	Long: `Nosana Node advertises itself on an on-chain job market, claims
assigned runs, executes their pipelines in a container engine and settles
the results back to the chain.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nosana Node version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("env", "", "path to a .env file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log JSON instead of console output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(healthCmd)
}
