package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Service       string            `json:"service"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the engine's health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp healthResponse
		if err := doJSON(cmd.Context(), "GET", "/health", nil, &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Status:  %s\n", resp.Status)
		fmt.Printf("Service: %s\n", resp.Service)
		fmt.Printf("Version: %s\n", resp.Version)
		fmt.Printf("Uptime:  %.0fs\n", resp.UptimeSeconds)

		names := make([]string, 0, len(resp.Checks))
		for name := range resp.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Checks:")
		for _, name := range names {
			fmt.Printf("  %-10s %s\n", name, resp.Checks[name])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
