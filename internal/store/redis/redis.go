// Package redis implements the task store, queue and log storage on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v7"

	"batchrunner/internal/store"
)

const (
	keyPrefix    = "batchrunner"
	killTTL      = 24 * time.Hour
	maxTxRetries = 5
)

var errNotPending = errors.New("task is not pending")

func queueKey() string         { return keyPrefix + ":queue" }
func taskKey(id string) string { return keyPrefix + ":task:" + id }
func logsKey(id string) string { return taskKey(id) + ":logs" }
func killKey(id string) string { return taskKey(id) + ":kill" }

// Options are the Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed store.Store.
type Store struct {
	client *goredis.Client
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := NewFromClient(client)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client) *Store {
	return &Store{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) c(ctx context.Context) *goredis.Client {
	return s.client.WithContext(ctx)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.c(ctx).Ping().Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// CreateTask stores a new pending task.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	if task.Status == "" {
		task.Status = store.TaskStatusPending
	}

	err := s.c(ctx).HSet(taskKey(task.ID),
		"id", task.ID,
		"name", task.Name,
		"payload", string(task.Payload),
		"status", string(task.Status),
		"attempt", task.Attempt,
		"created_at", formatTime(task.CreatedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask returns a task by its ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	fields, err := s.c(ctx).HGetAll(taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return parseTask(fields)
}

// Enqueue appends the task to the shared queue.
func (s *Store) Enqueue(ctx context.Context, id string) error {
	if err := s.c(ctx).RPush(queueKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// DequeueBatch pops up to limit tasks and marks them running. Tasks that are
// no longer pending, such as those killed while queued, are dropped.
func (s *Store) DequeueBatch(ctx context.Context, workerID string, limit int) ([]*store.Task, error) {
	c := s.c(ctx)
	var tasks []*store.Task

	for len(tasks) < limit {
		id, err := c.LPop(queueKey()).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return tasks, fmt.Errorf("failed to dequeue: %w", err)
		}

		task, err := s.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return tasks, err
		}
		if task.Status != store.TaskStatusPending {
			continue
		}

		startedAt := s.now()
		key := taskKey(id)
		claimed, err := s.fromPending(ctx, id, func(pipe goredis.Pipeliner) {
			pipe.HSet(key,
				"status", string(store.TaskStatusRunning),
				"worker_id", workerID,
				"started_at", formatTime(startedAt),
			)
			pipe.HIncrBy(key, "attempt", 1)
		})
		if errors.Is(err, store.ErrNotFound) || (err == nil && !claimed) {
			continue
		}
		if err != nil {
			return tasks, fmt.Errorf("failed to claim task %s: %w", id, err)
		}

		task.Status = store.TaskStatusRunning
		task.WorkerID = workerID
		task.StartedAt = &startedAt
		task.Attempt++
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Count returns the number of queued tasks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.c(ctx).LLen(queueKey()).Result()
}

// SetBatchJob records the AWS Batch job backing a task.
func (s *Store) SetBatchJob(ctx context.Context, id, jobID, jobName string) error {
	return s.update(ctx, id, "batch_job_id", jobID, "batch_job_name", jobName)
}

// Complete marks a task as succeeded.
func (s *Store) Complete(ctx context.Context, id string, exitCode int, counts store.LogCounts) error {
	return s.finish(ctx, id, store.TaskStatusSucceeded, &exitCode, "", &counts)
}

// Fail marks a task as failed.
func (s *Store) Fail(ctx context.Context, id string, exitCode *int, errMsg string, counts store.LogCounts) error {
	return s.finish(ctx, id, store.TaskStatusFailed, exitCode, errMsg, &counts)
}

// MarkKilled marks a task as killed.
func (s *Store) MarkKilled(ctx context.Context, id string) error {
	return s.finish(ctx, id, store.TaskStatusKilled, nil, "task was killed", nil)
}

// KillIfPending marks a task as killed unless it already left the pending state.
func (s *Store) KillIfPending(ctx context.Context, id string) (bool, error) {
	key := taskKey(id)
	completedAt := formatTime(s.now())
	return s.fromPending(ctx, id, func(pipe goredis.Pipeliner) {
		pipe.HSet(key,
			"status", string(store.TaskStatusKilled),
			"completed_at", completedAt,
			"error", "task was killed",
		)
	})
}

// fromPending applies a write to a task under WATCH, as long as the task is
// still pending. It reports false when the task was in another state.
func (s *Store) fromPending(ctx context.Context, id string, apply func(pipe goredis.Pipeliner)) (bool, error) {
	c := s.c(ctx)
	key := taskKey(id)

	txf := func(tx *goredis.Tx) error {
		status, err := tx.HGet(key, "status").Result()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if store.TaskStatus(status) != store.TaskStatusPending {
			return errNotPending
		}
		_, err = tx.TxPipelined(func(pipe goredis.Pipeliner) error {
			apply(pipe)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := c.Watch(txf, key)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errNotPending):
			return false, nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("task %s kept changing during update", id)
}

func (s *Store) finish(ctx context.Context, id string, status store.TaskStatus, exitCode *int, errMsg string, counts *store.LogCounts) error {
	fields := []interface{}{
		"status", string(status),
		"completed_at", formatTime(s.now()),
	}
	if exitCode != nil {
		fields = append(fields, "exit_code", *exitCode)
	}
	if errMsg != "" {
		fields = append(fields, "error", errMsg)
	}
	if counts != nil {
		fields = append(fields, "stdout_count", counts.StdOut, "stderr_count", counts.StdErr)
	}
	return s.update(ctx, id, fields...)
}

func (s *Store) update(ctx context.Context, id string, fields ...interface{}) error {
	c := s.c(ctx)
	key := taskKey(id)

	n, err := c.Exists(key).Result()
	if err != nil {
		return fmt.Errorf("failed to look up task: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}

	if err := c.HSet(key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

type logRecord struct {
	Content   string    `json:"content"`
	Stream    string    `json:"stream"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendLogs appends lines to the task log. A line's ID is its 1-based
// position in the log.
func (s *Store) AppendLogs(ctx context.Context, id string, lines []store.LogLine) error {
	if len(lines) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(lines))
	for _, line := range lines {
		createdAt := line.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		data, err := json.Marshal(logRecord{Content: line.Content, Stream: line.Stream, CreatedAt: createdAt})
		if err != nil {
			return fmt.Errorf("failed to encode log line: %w", err)
		}
		values = append(values, string(data))
	}

	if err := s.c(ctx).RPush(logsKey(id), values...).Err(); err != nil {
		return fmt.Errorf("failed to append logs: %w", err)
	}
	return nil
}

// GetLogs returns up to limit lines after afterID.
func (s *Store) GetLogs(ctx context.Context, id string, afterID int64, limit int) ([]store.LogLine, error) {
	if afterID < 0 {
		afterID = 0
	}
	if limit <= 0 {
		return nil, nil
	}

	raw, err := s.c(ctx).LRange(logsKey(id), afterID, afterID+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	lines := make([]store.LogLine, 0, len(raw))
	for i, item := range raw {
		var rec logRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode log line: %w", err)
		}
		lines = append(lines, store.LogLine{
			ID:        afterID + int64(i) + 1,
			Content:   rec.Content,
			Stream:    rec.Stream,
			CreatedAt: rec.CreatedAt,
		})
	}
	return lines, nil
}

// RequestKill flags a task for termination.
func (s *Store) RequestKill(ctx context.Context, id string) error {
	if err := s.c(ctx).Set(killKey(id), "1", killTTL).Err(); err != nil {
		return fmt.Errorf("failed to request kill: %w", err)
	}
	return nil
}

// KillRequested reports whether a kill was requested for the task.
func (s *Store) KillRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.c(ctx).Exists(killKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check kill request: %w", err)
	}
	return n > 0, nil
}

func parseTask(fields map[string]string) (*store.Task, error) {
	task := &store.Task{
		ID:           fields["id"],
		Name:         fields["name"],
		Payload:      json.RawMessage(fields["payload"]),
		Status:       store.TaskStatus(fields["status"]),
		WorkerID:     fields["worker_id"],
		BatchJobID:   fields["batch_job_id"],
		BatchJobName: fields["batch_job_name"],
	}

	var err error
	if task.Attempt, err = atoi(fields, "attempt"); err != nil {
		return nil, err
	}
	if task.StdOutCount, err = atoi(fields, "stdout_count"); err != nil {
		return nil, err
	}
	if task.StdErrCount, err = atoi(fields, "stderr_count"); err != nil {
		return nil, err
	}
	if v, ok := fields["exit_code"]; ok {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid exit_code %q: %w", v, err)
		}
		task.ExitCode = &code
	}
	if v, ok := fields["error"]; ok {
		task.ErrorMessage = &v
	}

	if task.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseOptionalTime(fields, "started_at"); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseOptionalTime(fields, "completed_at"); err != nil {
		return nil, err
	}
	return task, nil
}

func atoi(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseOptionalTime(fields map[string]string, key string) (*time.Time, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
