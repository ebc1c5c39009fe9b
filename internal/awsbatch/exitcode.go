package awsbatch

import "github.com/aws/aws-sdk-go-v2/service/batch/types"

// ExitCodeUnknown is returned for statuses the table does not know about,
// including the zero value when no status was ever observed.
const ExitCodeUnknown = -1

// ExitCodeFor maps a job status to the process exit code reported to the caller.
// SUCCEEDED is the only status mapping to 0.
func ExitCodeFor(status types.JobStatus) int {
	switch status {
	case types.JobStatusSucceeded:
		return 0
	case types.JobStatusFailed:
		return 1
	case types.JobStatusRunning:
		return 2
	case types.JobStatusRunnable:
		return 3
	case types.JobStatusPending:
		return 4
	case types.JobStatusStarting:
		return 5
	case types.JobStatusSubmitted:
		return 6
	default:
		return ExitCodeUnknown
	}
}

// IsTerminal reports whether no further transitions are expected for status.
func IsTerminal(status types.JobStatus) bool {
	return status == types.JobStatusSucceeded || status == types.JobStatusFailed
}
