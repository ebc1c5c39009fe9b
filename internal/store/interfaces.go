package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore handles the persistence of task records.
type TaskStore interface {
	// CreateTask stores a new pending task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask returns a task by its ID, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// SetBatchJob records the AWS Batch job backing a running task.
	SetBatchJob(ctx context.Context, id, jobID, jobName string) error

	// Complete marks a task as succeeded.
	Complete(ctx context.Context, id string, exitCode int, counts LogCounts) error

	// Fail marks a task as failed. exitCode is nil when the task never ran.
	Fail(ctx context.Context, id string, exitCode *int, errMsg string, counts LogCounts) error

	// MarkKilled marks a task as killed.
	MarkKilled(ctx context.Context, id string) error

	// KillIfPending marks a task as killed only while it is still pending.
	// It reports false when a worker claimed the task first.
	KillIfPending(ctx context.Context, id string) (bool, error)
}

// LogStore handles task log lines.
type LogStore interface {
	// AppendLogs appends lines in order.
	AppendLogs(ctx context.Context, id string, lines []LogLine) error

	// GetLogs returns up to limit lines with an ID greater than afterID.
	GetLogs(ctx context.Context, id string, afterID int64, limit int) ([]LogLine, error)
}

// KillSwitch records termination requests for running tasks.
type KillSwitch interface {
	RequestKill(ctx context.Context, id string) error
	KillRequested(ctx context.Context, id string) (bool, error)
}

// Store combines everything the controller and the worker need.
type Store interface {
	TaskStore
	Queue
	LogStore
	KillSwitch
	Ping(ctx context.Context) error
	Close() error
}
