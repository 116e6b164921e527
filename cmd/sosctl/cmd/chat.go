package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type chatRequest struct {
	Message        string `json:"message"`
	AgentID        string `json:"agent_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatResult struct {
	Content string  `json:"content,omitempty"`
	Omega   float64 `json:"omega,omitempty"`
	TraceID string  `json:"trace_id,omitempty"`
	TaskID  string  `json:"task_id,omitempty"`
	Status  string  `json:"status,omitempty"`
}

var (
	chatAgentID        string
	chatConversationID string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a message to the engine",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := chatRequest{
			Message:        strings.Join(args, " "),
			AgentID:        chatAgentID,
			ConversationID: chatConversationID,
		}

		var resp chatResult
		if err := doJSON(cmd.Context(), "POST", "/chat", req, &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if resp.TaskID != "" {
			fmt.Printf("spawned task %s (%s)\n", resp.TaskID, resp.Status)
			return nil
		}
		fmt.Println(resp.Content)
		if resp.Omega > 0 {
			fmt.Printf("omega=%.4f trace=%s\n", resp.Omega, resp.TraceID)
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatAgentID, "agent", "", "Subject agent ID for capability checks")
	chatCmd.Flags().StringVar(&chatConversationID, "conversation", "", "Conversation ID (optional)")
	rootCmd.AddCommand(chatCmd)
}
