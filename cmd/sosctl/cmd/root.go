// Package cmd implements the sosctl command tree, grounded on
// cmd/hortator/cmd/root.go's persistent-flags-plus-subcommands shape: a
// package-level rootCmd, PersistentFlags for connection/output options, and
// one file per subcommand that calls rootCmd.AddCommand from its own init.
// Where the teacher's root.go builds a Kubernetes client in
// PersistentPreRunE, sosctl builds a plain *http.Client, since its one
// dependency is the Engine's own HTTP surface rather than a cluster API.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	engineAddr   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "sosctl",
	Short: "CLI for the Sentinel execution substrate's Engine",
	Long: `sosctl talks to a running sosd process over the Engine's HTTP surface.

Examples:
  # Chat with the engine synchronously
  sosctl chat "what is the status of task t-123"

  # List tasks
  sosctl tasks list

  # Get one task
  sosctl tasks get t-123

  # Submit a worker result
  sosctl tasks submit t-123 --output "done" --model primary-preview --status completed

  # Check engine health
  sosctl health`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&engineAddr, "addr", getEnvOr("SOSCTL_ENGINE_ADDR", "http://127.0.0.1:6060"), "Engine base URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}

func getEnvOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
