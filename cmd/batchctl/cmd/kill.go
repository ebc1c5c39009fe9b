package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill [task_id]",
	Short: "Stop a task",
	Long: `Ask the controller to stop a task. A pending task is marked killed right away.
A running task is stopped by its worker, which terminates the AWS Batch job.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := newClient().KillTask(context.Background(), args[0])
		if err != nil {
			printAPIError(cmd, "Kill", err)
			return
		}

		cmd.Printf("Kill requested for task %s (status: %s)\n", result.TaskID, colorizeStatus(result.Status))
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
}
