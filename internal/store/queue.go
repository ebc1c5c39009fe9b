package store

import "context"

// Queue defines the interface for task queue operations.
type Queue interface {
	// Enqueue makes a stored task available to workers.
	Enqueue(ctx context.Context, id string) error

	// DequeueBatch claims up to 'limit' pending tasks for workerID and marks
	// them running. Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, workerID string, limit int) ([]*Task, error)

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)
}
