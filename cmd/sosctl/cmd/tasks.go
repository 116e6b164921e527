package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// taskView mirrors internal/task.Task's wire shape without importing the
// internal package — sosctl is a pure HTTP client and never links against
// the engine's own internals, the same separation cmd/hortator keeps from
// its controller via the Kubernetes API rather than a direct Go import.
type taskView struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Priority             string    `json:"priority"`
	State                string    `json:"state"`
	OriginSubject        string    `json:"origin_subject"`
	OriginConversationID string    `json:"origin_conversation_id"`
	CreatedAt            time.Time `json:"created_at"`
	AssignedWorkerID     string    `json:"assigned_worker_id,omitempty"`
	Reported             bool      `json:"reported"`
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and drive tasks through the Engine's HTTP surface",
}

var tasksListStateFlag string

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/tasks"
		if tasksListStateFlag != "" {
			path += "?state=" + tasksListStateFlag
		}

		var resp struct {
			Tasks []taskView `json:"tasks"`
		}
		if err := doJSON(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return err
		}

		if outputFormat == "json" {
			data, _ := json.MarshalIndent(resp.Tasks, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(resp.Tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tTITLE\tWORKER")
		for _, t := range resp.Tasks {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.State, t.Priority, truncate(t.Title, 40), t.AssignedWorkerID)
		}
		return w.Flush()
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Get one task's full record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t taskView
		if err := doJSON(cmd.Context(), "GET", "/tasks/"+args[0], nil, &t); err != nil {
			return err
		}

		if outputFormat == "json" {
			data, _ := json.MarshalIndent(t, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("ID:          %s\n", t.ID)
		fmt.Printf("Title:       %s\n", t.Title)
		fmt.Printf("Description: %s\n", t.Description)
		fmt.Printf("State:       %s\n", t.State)
		fmt.Printf("Priority:    %s\n", t.Priority)
		fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
		if t.AssignedWorkerID != "" {
			fmt.Printf("Worker:      %s\n", t.AssignedWorkerID)
		}
		fmt.Printf("Reported:    %t\n", t.Reported)
		return nil
	},
}

var (
	submitOutput    string
	submitModelUsed string
	submitStatus    string
)

var tasksSubmitCmd = &cobra.Command{
	Use:   "submit [task-id]",
	Short: "Submit a worker's result for a task (in_progress -> review -> completed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]string{
			"output":     submitOutput,
			"model_used": submitModelUsed,
			"status":     submitStatus,
		}
		var t taskView
		if err := doJSON(cmd.Context(), "POST", "/tasks/"+args[0]+"/submit", req, &t); err != nil {
			return err
		}
		fmt.Printf("task %s is now %s\n", t.ID, t.State)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksListStateFlag, "state", "", "Filter by state (pending, claimed, in_progress, review, completed, rejected, abandoned)")
	tasksSubmitCmd.Flags().StringVar(&submitOutput, "output", "", "Task output")
	tasksSubmitCmd.Flags().StringVar(&submitModelUsed, "model", "", "Model that produced the output")
	tasksSubmitCmd.Flags().StringVar(&submitStatus, "status", "completed", "Result status")

	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd, tasksSubmitCmd)
	rootCmd.AddCommand(tasksCmd)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
