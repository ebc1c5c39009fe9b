package handlers

import (
	"context"
	"io"
	"log/slog"

	"batchrunner/internal/store"
)

// Mock Store
type mockStore struct {
	pingErr    error
	queueDepth int64
	countErr   error

	// Task Hooks
	createTaskErr error
	getTaskResp   *store.Task
	getTaskErr    error
	enqueueErr    error
	failErr       error
	markKilledErr error
	claimedFirst  bool

	// Log Hooks
	getLogsResp []store.LogLine
	getLogsErr  error

	// Kill Hooks
	requestKillErr error

	// Spies (to verify arguments passed by handlers)
	createdTask     *store.Task
	enqueuedID      string
	failedID        string
	killRequestedID string
	markedKilledID  string
	capturedAfterID int64
	capturedLimit   int
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateTask(ctx context.Context, task *store.Task) error {
	m.createdTask = task
	return m.createTaskErr
}

func (m *mockStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return m.getTaskResp, m.getTaskErr
}

func (m *mockStore) SetBatchJob(ctx context.Context, id, jobID, jobName string) error {
	return nil
}

func (m *mockStore) Complete(ctx context.Context, id string, exitCode int, counts store.LogCounts) error {
	return nil
}

func (m *mockStore) Fail(ctx context.Context, id string, exitCode *int, errMsg string, counts store.LogCounts) error {
	m.failedID = id
	return m.failErr
}

func (m *mockStore) MarkKilled(ctx context.Context, id string) error {
	m.markedKilledID = id
	return m.markKilledErr
}

func (m *mockStore) KillIfPending(ctx context.Context, id string) (bool, error) {
	m.markedKilledID = id
	if m.markKilledErr != nil {
		return false, m.markKilledErr
	}
	return !m.claimedFirst, nil
}

func (m *mockStore) Enqueue(ctx context.Context, id string) error {
	m.enqueuedID = id
	return m.enqueueErr
}

func (m *mockStore) DequeueBatch(ctx context.Context, workerID string, limit int) ([]*store.Task, error) {
	return nil, nil // Workers only
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	return m.queueDepth, m.countErr
}

func (m *mockStore) AppendLogs(ctx context.Context, id string, lines []store.LogLine) error {
	return nil // Workers only
}

func (m *mockStore) GetLogs(ctx context.Context, id string, afterID int64, limit int) ([]store.LogLine, error) {
	m.capturedAfterID = afterID
	m.capturedLimit = limit
	return m.getLogsResp, m.getLogsErr
}

func (m *mockStore) RequestKill(ctx context.Context, id string) error {
	m.killRequestedID = id
	return m.requestKillErr
}

func (m *mockStore) KillRequested(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func newTestHandlers(m *mockStore) *Handlers {
	return New(m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
