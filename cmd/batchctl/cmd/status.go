package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"batchrunner/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task_id]",
	Short: "Get status of a task",
	Long:  `Retrieve detailed status information for a task, including its current state (pending, running, succeeded, failed, killed), the AWS Batch job, exit code and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		task, err := newClient().GetTask(context.Background(), args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}

		printStatus(cmd, *task)
	},
}

func printStatus(cmd *cobra.Command, task api.TaskResponse) {
	icon := statusIcon(task.Status)
	cmd.Printf("%s %sTask Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, task.ID)
	cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, task.Name)
	cmd.Printf("%sImage:%s       %s\n", colorDim, colorReset, task.Image)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(task.Status))
	cmd.Printf("%sAttempt:%s     %d\n", colorDim, colorReset, task.Attempt)

	if task.BatchJobID != "" {
		cmd.Printf("%sBatch Job:%s   %s (%s)\n", colorDim, colorReset, task.BatchJobName, task.BatchJobID)
	}

	if task.ExitCode != nil {
		exitCode := *task.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	if task.Error != nil {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, *task.Error, colorReset)
	}

	if api.IsFinished(task.Status) {
		cmd.Printf("%sLog Lines:%s   %d stdout, %d stderr\n", colorDim, colorReset, task.StdOutCount, task.StdErrCount)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(task.StartedAt))

	if task.StartedAt != nil && task.CompletedAt != nil {
		duration := task.CompletedAt.Sub(*task.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(task.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(task.CompletedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusColor(status string) string {
	switch status {
	case api.StatusSucceeded:
		return colorGreen
	case api.StatusFailed, api.StatusKilled:
		return colorRed
	case api.StatusRunning:
		return colorYellow
	case api.StatusPending:
		return colorCyan
	}
	return ""
}

func statusIcon(status string) string {
	switch status {
	case api.StatusSucceeded:
		return colorGreen + "✓" + colorReset
	case api.StatusFailed:
		return colorRed + "✗" + colorReset
	case api.StatusKilled:
		return colorRed + "☠" + colorReset
	case api.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case api.StatusPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	color := statusColor(status)
	if color == "" {
		return status
	}
	return statusIcon(status) + " " + color + strings.ToUpper(status) + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
