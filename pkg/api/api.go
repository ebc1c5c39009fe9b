// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the Controller and the Worker.
package api

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Task status values as reported by the controller.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// SubmitTaskRequest is the request body for submitting a new task.
type SubmitTaskRequest struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// InputFiles maps a relative path to its content. Files are staged
	// into the container working directory, exposed as
	// BATCHRUNNER_WORKING_DIR, before the command runs.
	InputFiles map[string]string `json:"input_files,omitempty"`
	// OutputFiles are relative paths collected after the command succeeds.
	OutputFiles []string `json:"output_files,omitempty"`
	// OutputDirectory requests a dedicated output directory, exposed to the
	// container as BATCHRUNNER_OUTPUT_DIR.
	OutputDirectory bool `json:"output_directory,omitempty"`

	MemoryMiB      int     `json:"memory_mib,omitempty"`
	VCPU           float64 `json:"vcpu,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`

	ComputeEnvironmentArn string            `json:"compute_environment_arn,omitempty"`
	JobQueueArn           string            `json:"job_queue_arn,omitempty"`
	Labels                map[string]string `json:"labels,omitempty"`
}

// Validate checks the request before it is stored.
func (r *SubmitTaskRequest) Validate() error {
	if r.Name == "" || r.Image == "" {
		return errors.New("name and image are required")
	}
	if r.MemoryMiB < 0 || r.VCPU < 0 || r.TimeoutSeconds < 0 {
		return errors.New("memory_mib, vcpu and timeout_seconds must not be negative")
	}
	for p := range r.InputFiles {
		if err := validateRelPath(p); err != nil {
			return fmt.Errorf("input file %q: %w", p, err)
		}
	}
	for _, p := range r.OutputFiles {
		if err := validateRelPath(p); err != nil {
			return fmt.Errorf("output file %q: %w", p, err)
		}
	}
	return nil
}

func validateRelPath(p string) error {
	if p == "" || path.IsAbs(p) {
		return errors.New("must be a non-empty relative path")
	}
	if clean := path.Clean(p); clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("must stay inside the working directory")
	}
	return nil
}

// SubmitTaskResponse is the response body after submitting a task.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Image        string     `json:"image"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	WorkerID     string     `json:"worker_id,omitempty"`
	BatchJobID   string     `json:"batch_job_id,omitempty"`
	BatchJobName string     `json:"batch_job_name,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StdOutCount  int        `json:"stdout_count"`
	StdErrCount  int        `json:"stderr_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// KillTaskResponse is the response body after requesting a kill.
type KillTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// LogEntry represents a single log line in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Stream    string    `json:"stream"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// IsFinished reports whether a task status is final.
func IsFinished(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// TaskPayload is the record the controller stores for workers to run.
type TaskPayload struct {
	Task SubmitTaskRequest `json:"task"`
	// Trace carries the submitting request's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}
