// Package runtime provides the Runtime interface for task execution backends.
package runtime

import (
	"context"
	"io"
	"strings"
)

// Runtime defines the interface for executing tasks.
type Runtime interface {
	// Start begins execution of a task and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a task.
type StartOptions struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string

	// WorkDir is the local directory holding InputFiles. Outputs are
	// downloaded back into it.
	WorkDir         string
	InputFiles      []string
	OutputFiles     []string
	OutputDirectory bool

	MemoryMiB int
	VCPU      float64
	Timeout   int // seconds

	ComputeEnvironmentArn string
	JobQueueArn           string
	Labels                map[string]string
}

// ExitResult is the outcome of a finished task.
type ExitResult struct {
	ExitCode    int
	Status      string
	TimedOut    bool
	StdOutCount int
	StdErrCount int
	OutputFiles []string
	// Error is set when the task ran but did not succeed.
	Error error
}

// Handle represents a running task execution.
type Handle interface {
	// JobID and JobName identify the backing AWS Batch job.
	JobID() string
	JobName() string

	// Wait blocks until the task completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop asks the backend to terminate the task.
	Stop(ctx context.Context) error

	// StreamLogs returns the task's log lines, one per line, encoded with
	// FormatLogLine. The reader hits EOF once Wait returns.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// FormatLogLine encodes a log line for StreamLogs.
func FormatLogLine(stream, content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	return stream + "\t" + content + "\n"
}

// ParseLogLine decodes a line read from StreamLogs. Lines without a stream
// prefix are treated as stdout.
func ParseLogLine(line string) (stream, content string) {
	stream, content, ok := strings.Cut(line, "\t")
	if !ok || (stream != StreamStdout && stream != StreamStderr) {
		return StreamStdout, line
	}
	return stream, content
}
