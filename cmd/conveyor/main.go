// Conveyor is the monorepo pipeline orchestrator daemon.
//
// Usage:
//
//	# Start the daemon
//	conveyor serve --config conveyor.yaml
//
//	# Show which projects a revision range affects
//	conveyor detect --config conveyor.yaml --base main~3 --head main
//
//	# Compute the next release version
//	conveyor next-version --config conveyor.yaml --head main
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Monorepo pipeline orchestrator",
	Long: `conveyor decides which projects a change affects, drives them through
CI, staging, production and release, and records every transition.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONVEYOR_CONFIG"), "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd, detectCmd, nextVersionCmd, validateCmd)
}
