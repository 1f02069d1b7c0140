package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 healthy shutdown, 1 startup failure, 2 invalid config.
const (
	exitStartupFailure = 1
	exitConfigInvalid  = 2
)

var rootCmd = &cobra.Command{
	Use:     "remedy",
	Short:   "Remedy - autonomous alert remediation for homelab infrastructure",
	Long:    `Remedy receives alerts from an Alertmanager-compatible webhook, investigates them with an LLM-driven agent, executes validated remediation over SSH, verifies resolution against Prometheus, and learns reusable patterns from outcomes.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Remedy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runCheckConfig()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStartupFailure)
	}
}
