package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"Foreman/backend/go/internal/models"

	"github.com/spf13/cobra"
)

var (
	getFull      bool
	listOwner    string
	listLimit    int
	invokeKind   string
	invokeOwner  string
	invokeInput  string
	invokeDesc   string
	completeFail bool
	completeMsg  string
	completeRes  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Read and drive tasks",
}

var getCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show a task",
	Long:  "Show a task. --full returns the operator view with the complete error envelope.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/tasks/" + url.PathEscape(args[0])
		if getFull {
			path = "/api/v1/operator/tasks/" + url.PathEscape(args[0])
		}
		var out json.RawMessage
		if err := call("GET", path, nil, &out); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks owned by the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(listLimit))
		if listOwner != "" {
			q.Set("owner", listOwner)
		}
		var out struct {
			Tasks []models.PublicTask `json:"tasks"`
		}
		if err := call("GET", "/api/v1/tasks?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHANDLER\tSTATUS\tATTEMPT\tERROR")
		for _, t := range out.Tasks {
			fmt.Fprintf(w, "%s\t%s:%s\t%s\t%d\t%s\n", t.ID, t.HandlerKind, t.HandlerID, t.Status, t.Attempt, t.ErrorCode)
		}
		return w.Flush()
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [handler-id]",
	Short: "Create and dispatch a task by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]interface{}{
			"handlerKind": invokeKind,
			"handlerId":   args[0],
		}
		if invokeOwner != "" {
			payload["ownerId"] = invokeOwner
		}
		if invokeDesc != "" {
			payload["description"] = invokeDesc
		}
		if invokeInput != "" {
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(invokeInput), &input); err != nil {
				return fmt.Errorf("--input must be a JSON object: %w", err)
			}
			payload["input"] = input
		}
		var task models.PublicTask
		if err := call("POST", "/api/v1/tasks", payload, &task); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task submitted successfully!\nTask ID: %s\n", task.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "To follow it, run: foreman-cli tasks get %s\n", task.ID)
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Report the outcome of an externally executed task (worker tokens only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report := map[string]interface{}{"success": !completeFail}
		if completeFail {
			report["message"] = completeMsg
		} else if completeRes != "" {
			var result interface{}
			if err := json.Unmarshal([]byte(completeRes), &result); err != nil {
				result = completeRes
			}
			report["result"] = result
		}
		var out struct {
			Applied bool              `json:"applied"`
			Task    models.PublicTask `json:"task"`
		}
		if err := call("POST", "/api/v1/tasks/"+url.PathEscape(args[0])+"/complete", report, &out); err != nil {
			return err
		}
		if !out.Applied {
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s had already finished (%s); report ignored.\n", out.Task.ID, out.Task.Status)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s.\n", out.Task.ID, out.Task.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(getCmd, listCmd, invokeCmd, completeCmd)

	getCmd.Flags().BoolVar(&getFull, "full", false, "show the operator view")

	listCmd.Flags().StringVar(&listOwner, "owner", "", "list another owner's tasks (operator tokens only)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of tasks")

	invokeCmd.Flags().StringVar(&invokeKind, "kind", string(models.HandlerWorker), "handler kind: worker, docker or internal")
	invokeCmd.Flags().StringVar(&invokeOwner, "owner", "", "owner of the task (operator tokens only)")
	invokeCmd.Flags().StringVar(&invokeInput, "input", "", "task input as a JSON object")
	invokeCmd.Flags().StringVar(&invokeDesc, "description", "", "task description")

	completeCmd.Flags().BoolVar(&completeFail, "failed", false, "report a failure instead of success")
	completeCmd.Flags().StringVar(&completeMsg, "message", "", "failure message")
	completeCmd.Flags().StringVar(&completeRes, "result", "", "result value, JSON if it parses")
}
