package handlers

import (
	"net/http"
	"strconv"

	"batchrunner/pkg/api"
)

const (
	defaultLogLimit = 1000
	maxLogLimit     = 10000
)

// GetTaskLogs handles GET /tasks/{id}/logs?after_id=&limit=.
// Called by the CLI to view and follow logs.
func (h *Handlers) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := defaultLogLimit
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLogLimit {
			limit = parsed
		}
	}

	var afterID int64
	if after := query.Get("after_id"); after != "" {
		if parsed, err := strconv.ParseInt(after, 10, 64); err == nil && parsed > 0 {
			afterID = parsed
		}
	}

	lines, err := h.store.GetLogs(ctx, task.ID, afterID, limit)
	if err != nil {
		h.log(r).ErrorContext(ctx, "failed to fetch logs", "task_id", task.ID, "error", err)
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	entries := make([]api.LogEntry, len(lines))
	for i, line := range lines {
		entries[i] = api.LogEntry{
			ID:        line.ID,
			Content:   line.Content,
			Stream:    line.Stream,
			CreatedAt: line.CreatedAt,
		}
	}

	h.respondJson(w, http.StatusOK, api.GetLogsResponse{Logs: entries})
}
