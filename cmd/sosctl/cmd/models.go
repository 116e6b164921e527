package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type adapterStatus struct {
	Name  string `json:"name"`
	Layer int    `json:"layer"`
	Model string `json:"model"`
	State string `json:"state"`
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model adapter registry's readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Adapters []adapterStatus `json:"adapters"`
		}
		if err := doJSON(cmd.Context(), "GET", "/models", nil, &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			data, _ := json.MarshalIndent(resp.Adapters, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(resp.Adapters) == 0 {
			fmt.Println("No model adapters configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "LAYER\tNAME\tMODEL\tSTATE")
		for _, a := range resp.Adapters {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.Layer, a.Name, a.Model, a.State)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
