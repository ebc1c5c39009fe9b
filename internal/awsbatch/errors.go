package awsbatch

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/batch/types"
)

// ErrPollTimeout is returned when a poll loop exhausts its budget before its
// condition holds.
var ErrPollTimeout = errors.New("condition not met before timeout")

// ConfigError reports a problem with the task or runner configuration.
// It is always returned before any remote resource is created.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Message
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// TaskError reports a job that did not reach SUCCEEDED, either because it
// failed or because the wait budget ran out.
type TaskError struct {
	JobName     string
	Status      types.JobStatus
	ExitCode    int
	TimedOut    bool
	StdOutCount int
	StdErrCount int
}

func (e *TaskError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("job %s timed out in status %s (exit code %d)", e.JobName, e.Status, e.ExitCode)
	}
	return fmt.Sprintf("job %s finished with status %s (exit code %d)", e.JobName, e.Status, e.ExitCode)
}
