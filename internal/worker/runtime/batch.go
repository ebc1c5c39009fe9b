package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"batchrunner/internal/awsbatch"
)

// outputDirName is where the output directory lands inside the task WorkDir.
const outputDirName = "output"

// execution is the part of *awsbatch.Execution the runtime drives.
type execution interface {
	JobID() string
	JobName() string
	Wait(ctx context.Context) (*awsbatch.Result, error)
	Cancel(ctx context.Context)
}

type startFunc func(ctx context.Context, task awsbatch.Task, sink awsbatch.LogSink) (execution, error)

// BatchRuntime runs tasks as AWS Batch jobs.
type BatchRuntime struct {
	start startFunc
}

// NewBatchRuntime creates a runtime backed by runner.
func NewBatchRuntime(runner *awsbatch.Runner) *BatchRuntime {
	return &BatchRuntime{
		start: func(ctx context.Context, task awsbatch.Task, sink awsbatch.LogSink) (execution, error) {
			exec, err := runner.Start(ctx, task, sink)
			if err != nil {
				return nil, err
			}
			return exec, nil
		},
	}
}

// Start implements Runtime.Start by provisioning and submitting the job.
func (b *BatchRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	pr, pw := io.Pipe()
	h := &batchHandle{logs: pr, pipe: pw}

	exec, err := b.start(ctx, toTask(opts), awsbatch.LogSinkFunc(h.accept))
	if err != nil {
		pw.Close()
		return nil, err
	}
	h.exec = exec
	return h, nil
}

func toTask(opts StartOptions) awsbatch.Task {
	task := awsbatch.Task{
		Name:                  opts.Name,
		Image:                 opts.Image,
		Command:               opts.Command,
		Env:                   opts.Env,
		WorkingDir:            opts.WorkDir,
		InputFiles:            opts.InputFiles,
		OutputFiles:           opts.OutputFiles,
		Timeout:               time.Duration(opts.Timeout) * time.Second,
		ComputeEnvironmentArn: opts.ComputeEnvironmentArn,
		JobQueueArn:           opts.JobQueueArn,
		Labels:                opts.Labels,
	}
	if opts.MemoryMiB > 0 || opts.VCPU > 0 {
		task.Resources = awsbatch.ResourcesFromVCPU(opts.MemoryMiB, opts.VCPU)
	}
	if opts.OutputDirectory {
		task.OutputDir = filepath.Join(opts.WorkDir, outputDirName)
	}
	sort.Strings(task.InputFiles)
	return task
}

type batchHandle struct {
	exec execution
	logs *io.PipeReader
	pipe *io.PipeWriter
}

// accept forwards sink lines into the log pipe. Pipe writes are serialized
// and fail once the reader is closed, in which case the line is dropped.
func (h *batchHandle) accept(line string, isErr bool) {
	stream := StreamStdout
	if isErr {
		stream = StreamStderr
	}
	_, _ = io.WriteString(h.pipe, FormatLogLine(stream, line))
}

func (h *batchHandle) JobID() string   { return h.exec.JobID() }
func (h *batchHandle) JobName() string { return h.exec.JobName() }

func (h *batchHandle) Wait(ctx context.Context) (ExitResult, error) {
	res, err := h.exec.Wait(ctx)

	h.pipe.Close()

	if res == nil {
		return ExitResult{}, err
	}

	out := ExitResult{
		ExitCode:    res.ExitCode,
		Status:      string(res.Status),
		TimedOut:    res.TimedOut,
		StdOutCount: res.StdOutCount,
		StdErrCount: res.StdErrCount,
		OutputFiles: res.OutputFiles,
	}
	if err != nil {
		var taskErr *awsbatch.TaskError
		if !errors.As(err, &taskErr) && out.ExitCode == 0 {
			err = fmt.Errorf("job %s succeeded but %w", res.JobName, err)
		}
		out.Error = err
	}
	return out, nil
}

func (h *batchHandle) Stop(ctx context.Context) error {
	h.exec.Cancel(ctx)
	return nil
}

func (h *batchHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}
