// Package store contains the persistence layer for batchrunner.
package store

import (
	"encoding/json"
	"time"
)

// Task is the stored record of a submitted task.
type Task struct {
	ID   string
	Name string
	// Payload is the submitted task definition as the worker consumes it.
	Payload      json.RawMessage
	Status       TaskStatus
	Attempt      int
	WorkerID     string
	BatchJobID   string
	BatchJobName string
	ExitCode     *int
	ErrorMessage *string
	StdOutCount  int
	StdErrCount  int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusKilled    TaskStatus = "killed"
)

// Finished reports whether the status is final.
func (s TaskStatus) Finished() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusKilled:
		return true
	}
	return false
}

// LogCounts are the number of lines a task wrote to each stream.
type LogCounts struct {
	StdOut int
	StdErr int
}

// LogLine is a single stored log line. IDs start at 1 and increase per task.
type LogLine struct {
	ID        int64
	Content   string
	Stream    string
	CreatedAt time.Time
}
