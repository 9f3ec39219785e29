// Command fleetd runs the agentops observability/orchestration daemon: the
// Streaming Server, every bus subscriber, and the Prometheus metrics
// endpoint, wired together by runtimecore (SPEC_FULL §2 "Process
// packaging").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"

	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd observes and orchestrates multi-agent LLM workflows",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "fleetd.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
