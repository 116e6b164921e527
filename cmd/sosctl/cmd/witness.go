package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type witnessRequest struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Vote           int    `json:"vote"`
}

type witnessResponse struct {
	Collapsed      bool    `json:"collapsed"`
	LatencySeconds float64 `json:"latency_seconds,omitempty"`
}

var witnessAgentID string

var witnessCmd = &cobra.Command{
	Use:   "witness [conversation-id] [vote]",
	Short: "Cast a witness vote (+1 or -1) on an open conversation wave",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var vote int
		if _, err := fmt.Sscanf(args[1], "%d", &vote); err != nil {
			return fmt.Errorf("vote must be an integer (+1 or -1): %w", err)
		}

		req := witnessRequest{AgentID: witnessAgentID, ConversationID: args[0], Vote: vote}
		var resp witnessResponse
		if err := doJSON(cmd.Context(), "POST", "/witness", req, &resp); err != nil {
			return err
		}

		if !resp.Collapsed {
			fmt.Println("no open wave for that conversation")
			return nil
		}
		fmt.Printf("collapsed after %.3fs\n", resp.LatencySeconds)
		return nil
	},
}

func init() {
	witnessCmd.Flags().StringVar(&witnessAgentID, "agent", "", "Witnessing agent ID")
	rootCmd.AddCommand(witnessCmd)
}
