package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"batchrunner/internal/awsbatch"
	"batchrunner/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// ExitError carries the exit code batchctl should terminate with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

type taskRunner interface {
	Run(ctx context.Context, task awsbatch.Task, sink awsbatch.LogSink) (*awsbatch.Result, error)
}

// newTaskRunner builds the AWS Batch runner from the resolved configuration.
var newTaskRunner = func(ctx context.Context) (taskRunner, error) {
	clients, err := awsbatch.NewClients(ctx, awsbatch.ConnectionConfig{
		Region:           viper.GetString("aws_region"),
		EndpointOverride: viper.GetString("aws_endpoint_override"),
		AccessKeyID:      viper.GetString("aws_access_key_id"),
		SecretAccessKey:  viper.GetString("aws_secret_access_key"),
		SessionToken:     viper.GetString("aws_session_token"),
	})
	if err != nil {
		return nil, err
	}

	var opts []awsbatch.Option
	if r := viper.GetFloat64("batch_describe_rate"); r > 0 {
		opts = append(opts, awsbatch.WithRateLimiter(rate.NewLimiter(rate.Limit(r), 1)))
	}

	return awsbatch.NewRunner(awsbatch.Config{
		ComputeEnvironmentArn:   viper.GetString("batch_compute_environment_arn"),
		JobQueueArn:             viper.GetString("batch_job_queue_arn"),
		Bucket:                  viper.GetString("batch_bucket"),
		Region:                  viper.GetString("aws_region"),
		ExecutionRoleArn:        viper.GetString("batch_execution_role_arn"),
		TaskRoleArn:             viper.GetString("batch_task_role_arn"),
		Resources:               awsbatch.ResourcesFromVCPU(viper.GetInt("batch_memory_mib"), viper.GetFloat64("batch_vcpu")),
		CompletionCheckInterval: viper.GetDuration("batch_completion_check_interval"),
		WaitUntilCompletion:     viper.GetDuration("batch_wait_until_completion"),
	}, clients, opts...), nil
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a task on AWS Batch and wait for it",
	Long: `Run a task directly on AWS Batch without the controller. Logs are printed live,
output files are downloaded into the working directory and batchctl exits with
the exit code of the container.

Input files are paths relative to --workdir.

AWS settings come from flags, $HOME/.batchctl.yaml or BATCHRUNNER_* variables:
  aws_region, aws_endpoint_override, batch_compute_environment_arn,
  batch_job_queue_arn, batch_bucket, batch_execution_role_arn,
  batch_task_role_arn, batch_memory_mib, batch_vcpu

Example:
  batchctl exec --name hello --image alpine --command "echo,hello" --compute-environment arn:aws:batch:...
  batchctl exec --name report --image python:3.12 --command "sh,-c,cd $BATCHRUNNER_WORKING_DIR && python report.py" --input report.py --output result.csv --bucket my-bucket`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := taskRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		workDir, _ := cmd.Flags().GetString("workdir")
		inputs, _ := cmd.Flags().GetStringSlice("input")

		task := awsbatch.Task{
			Name:                  req.Name,
			Image:                 req.Image,
			Command:               req.Command,
			Env:                   req.Env,
			WorkingDir:            workDir,
			InputFiles:            sortedCopy(inputs),
			OutputFiles:           req.OutputFiles,
			Timeout:               time.Duration(req.TimeoutSeconds) * time.Second,
			ComputeEnvironmentArn: req.ComputeEnvironmentArn,
			JobQueueArn:           req.JobQueueArn,
			Labels:                req.Labels,
		}
		if req.MemoryMiB > 0 || req.VCPU > 0 {
			task.Resources = awsbatch.ResourcesFromVCPU(req.MemoryMiB, req.VCPU)
		}
		if req.OutputDirectory {
			task.OutputDir = filepath.Join(workDir, "output")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner, err := newTaskRunner(ctx)
		if err != nil {
			return err
		}

		sink := awsbatch.LogSinkFunc(func(line string, isErr bool) {
			if isErr {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		})

		result, err := runner.Run(ctx, task, sink)
		if err != nil {
			var taskErr *awsbatch.TaskError
			if errors.As(err, &taskErr) {
				code := taskErr.ExitCode
				if code == 0 {
					code = 1
				}
				return &ExitError{Code: code, Err: err}
			}
			return err
		}

		cmd.Printf("%s Job %s finished with status %s\n", statusIcon(api.StatusSucceeded), result.JobName, result.Status)
		for _, f := range result.OutputFiles {
			cmd.Printf("  Output: %s\n", f)
		}
		return nil
	},
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func init() {
	rootCmd.AddCommand(execCmd)
	addTaskFlags(execCmd)

	execCmd.Flags().String("workdir", ".", "Local directory input files are read from and outputs are written to")

	execCmd.Flags().String("region", "", "AWS region")
	viper.BindPFlag("aws_region", execCmd.Flags().Lookup("region"))
	execCmd.Flags().String("bucket", "", "S3 bucket used to stage files")
	viper.BindPFlag("batch_bucket", execCmd.Flags().Lookup("bucket"))
	execCmd.Flags().String("endpoint", "", "Custom AWS endpoint, for example a LocalStack URL")
	viper.BindPFlag("aws_endpoint_override", execCmd.Flags().Lookup("endpoint"))
}
