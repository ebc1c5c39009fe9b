package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchrunner/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a task on the controller",
	Long: `Queue a new task on the batchrunner controller. A worker picks it up and runs it
as an AWS Batch job.

Input files are read from the local disk and sent with the task.

Example:
  batchctl submit --name "hello" --image "alpine:latest" --command "echo,hello"
  batchctl submit --name "report" --image "python:3.12" --command "python,report.py" --input report.py --output result.csv --vcpu 1 --memory 2048`,
	Run: func(cmd *cobra.Command, args []string) {
		req, err := taskRequestFromFlags(cmd)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		inputs, _ := cmd.Flags().GetStringSlice("input")
		if req.InputFiles, err = readInputFiles(inputs); err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if err := req.Validate(); err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		result, err := newClient().SubmitTask(context.Background(), *req)
		if err != nil {
			printAPIError(cmd, "Submit", err)
			return
		}

		cmd.Printf("Task submitted successfully!\n")
		cmd.Printf("  Task ID: %s\n", result.TaskID)
	},
}

// addTaskFlags registers the task flags shared by submit and exec.
func addTaskFlags(c *cobra.Command) {
	flags := c.Flags()
	flags.String("name", "", "Task name (required)")
	flags.String("image", "", "Container image (required)")
	flags.StringSlice("command", nil, "Command to run, comma separated")
	flags.StringArray("env", nil, "Environment variable as KEY=VALUE (repeatable)")
	flags.StringSlice("input", nil, "Local input file, relative to the working directory (repeatable)")
	flags.StringSlice("output", nil, "Output file to collect after success (repeatable)")
	flags.Bool("output-dir", false, "Give the task a dedicated output directory")
	flags.Int("memory", 0, "Memory in MiB")
	flags.Float64("vcpu", 0, "Number of vCPUs")
	flags.Int("timeout", 0, "Job timeout in seconds")
	flags.String("compute-environment", "", "Compute environment ARN for this task")
	flags.String("job-queue", "", "Job queue ARN for this task")
	flags.StringArray("label", nil, "Label as KEY=VALUE (repeatable)")
}

func taskRequestFromFlags(cmd *cobra.Command) (*api.SubmitTaskRequest, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	image, _ := flags.GetString("image")
	command, _ := flags.GetStringSlice("command")
	envPairs, _ := flags.GetStringArray("env")
	outputs, _ := flags.GetStringSlice("output")
	outputDir, _ := flags.GetBool("output-dir")
	memory, _ := flags.GetInt("memory")
	vcpu, _ := flags.GetFloat64("vcpu")
	timeout, _ := flags.GetInt("timeout")
	computeEnv, _ := flags.GetString("compute-environment")
	jobQueue, _ := flags.GetString("job-queue")
	labelPairs, _ := flags.GetStringArray("label")

	if name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	if image == "" {
		return nil, fmt.Errorf("--image is required")
	}

	env, err := parsePairs(envPairs)
	if err != nil {
		return nil, fmt.Errorf("--env: %w", err)
	}
	labels, err := parsePairs(labelPairs)
	if err != nil {
		return nil, fmt.Errorf("--label: %w", err)
	}

	return &api.SubmitTaskRequest{
		Name:                  name,
		Image:                 image,
		Command:               command,
		Env:                   env,
		OutputFiles:           outputs,
		OutputDirectory:       outputDir,
		MemoryMiB:             memory,
		VCPU:                  vcpu,
		TimeoutSeconds:        timeout,
		ComputeEnvironmentArn: computeEnv,
		JobQueueArn:           jobQueue,
		Labels:                labels,
	}, nil
}

// readInputFiles loads local files keyed by their path in the task
// working directory.
func readInputFiles(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		files[inputKey(p)] = string(content)
	}
	return files, nil
}

// inputKey is the path a local input file gets inside the task working
// directory. Absolute paths and paths leaving the current directory keep
// only their base name.
func inputKey(path string) string {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return filepath.Base(clean)
	}
	return filepath.ToSlash(clean)
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
	addTaskFlags(submitCmd)
}
