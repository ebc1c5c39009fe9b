package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchrunner/pkg/api"

	"github.com/spf13/cobra"
)

var (
	follow       bool
	pollInterval = time.Second
)

var logsCmd = &cobra.Command{
	Use:   "logs [task_id]",
	Short: "Print the logs of a task",
	Long: `Print the log lines a task has produced so far. Stderr lines go to stderr.

With --follow the command keeps polling until the task finishes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := newClient()
		var lastID int64

		for {
			newLogs, err := client.GetLogs(ctx, taskID, lastID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				printAPIError(cmd, "Fetching logs", err)
				if !follow {
					return
				}
				if !sleepCtx(ctx, 2*pollInterval) {
					return
				}
				continue
			}

			for _, entry := range newLogs {
				printLogEntry(cmd, entry)
				if entry.ID > lastID {
					lastID = entry.ID
				}
			}

			if len(newLogs) > 0 {
				continue
			}
			if !follow {
				return
			}

			// Caught up; stop once the task can produce no more lines.
			task, err := client.GetTask(ctx, taskID)
			if err == nil && api.IsFinished(task.Status) {
				remaining, err := client.GetLogs(ctx, taskID, lastID)
				if err == nil {
					for _, entry := range remaining {
						printLogEntry(cmd, entry)
					}
				}
				return
			}

			if !sleepCtx(ctx, pollInterval) {
				return
			}
		}
	},
}

func printLogEntry(cmd *cobra.Command, entry api.LogEntry) {
	out := cmd.OutOrStdout()
	if entry.Stream == api.StreamStderr {
		out = cmd.ErrOrStderr()
	}
	content := entry.Content
	if len(content) == 0 || content[len(content)-1] != '\n' {
		content += "\n"
	}
	out.Write([]byte(content))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the task finishes")
}
