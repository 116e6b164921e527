package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is sosctl's own build version, set via -ldflags by the release
// pipeline; unrelated to the Engine's own GET /version, which reports what
// the remote sosd process is running.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print sosctl's version and, if reachable, the remote engine's",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("sosctl %s (%s)\n", Version, runtime.Version())

		var remote struct {
			Version string `json:"version"`
			Commit  string `json:"commit"`
			Date    string `json:"date"`
		}
		if err := doJSON(cmd.Context(), "GET", "/version", nil, &remote); err != nil {
			fmt.Printf("engine: unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("engine  %s (commit %s, built %s)\n", remote.Version, remote.Commit, remote.Date)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
