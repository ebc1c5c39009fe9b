package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"batchrunner/internal/store"
	"batchrunner/pkg/api"
)

// SubmitTask handles POST /tasks.
// It stores the task and puts it on the queue for workers to pick up.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Carry the trace so the worker span joins the submitting request.
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	payload, err := json.Marshal(api.TaskPayload{Task: req, Trace: carrier})
	if err != nil {
		h.httpError(w, "Failed to encode task", http.StatusInternalServerError)
		return
	}

	task := &store.Task{
		ID:        h.newID(),
		Name:      req.Name,
		Payload:   payload,
		Status:    store.TaskStatusPending,
		CreatedAt: h.now(),
	}

	if err := h.store.CreateTask(ctx, task); err != nil {
		h.log(r).ErrorContext(ctx, "failed to create task", "error", err)
		h.httpError(w, "Failed to create task", http.StatusInternalServerError)
		return
	}

	if err := h.store.Enqueue(ctx, task.ID); err != nil {
		h.log(r).ErrorContext(ctx, "failed to enqueue task", "task_id", task.ID, "error", err)
		if failErr := h.store.Fail(ctx, task.ID, nil, "failed to enqueue task", store.LogCounts{}); failErr != nil {
			h.log(r).ErrorContext(ctx, "failed to mark task failed", "task_id", task.ID, "error", failErr)
		}
		h.httpError(w, "Failed to enqueue task", http.StatusInternalServerError)
		return
	}

	h.log(r).InfoContext(ctx, "task submitted", "task_id", task.ID, "name", task.Name)
	h.respondJson(w, http.StatusCreated, api.SubmitTaskResponse{TaskID: task.ID})
}

// GetTask handles GET /tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toTaskResponse(task))
}

// KillTask handles POST /tasks/{id}/kill.
// A pending task is marked killed right away; a running one is stopped by
// its worker on the next heartbeat.
func (h *Handlers) KillTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status.Finished() {
		h.httpError(w, "Task already finished", http.StatusConflict)
		return
	}

	if err := h.store.RequestKill(ctx, task.ID); err != nil {
		h.log(r).ErrorContext(ctx, "failed to request kill", "task_id", task.ID, "error", err)
		h.httpError(w, "Failed to request kill", http.StatusInternalServerError)
		return
	}

	status := task.Status
	if status == store.TaskStatusPending {
		killed, err := h.store.KillIfPending(ctx, task.ID)
		if err != nil {
			h.log(r).ErrorContext(ctx, "failed to mark task killed", "task_id", task.ID, "error", err)
			h.httpError(w, "Failed to kill task", http.StatusInternalServerError)
			return
		}
		// A worker claimed it in the meantime and will see the kill flag.
		status = store.TaskStatusRunning
		if killed {
			status = store.TaskStatusKilled
		}
	}

	h.log(r).InfoContext(ctx, "kill requested", "task_id", task.ID, "status", string(status))
	h.respondJson(w, http.StatusAccepted, api.KillTaskResponse{TaskID: task.ID, Status: string(status)})
}

// loadTask fetches the task named by the {id} path value, writing the error
// response itself when it cannot.
func (h *Handlers) loadTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	id := r.PathValue("id")
	if id == "" {
		h.httpError(w, "Invalid task id", http.StatusBadRequest)
		return nil, false
	}

	task, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Task not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.log(r).ErrorContext(r.Context(), "failed to load task", "task_id", id, "error", err)
		h.httpError(w, "Failed to load task", http.StatusInternalServerError)
		return nil, false
	}
	return task, true
}

func toTaskResponse(task *store.Task) api.TaskResponse {
	resp := api.TaskResponse{
		ID:           task.ID,
		Name:         task.Name,
		Status:       string(task.Status),
		Attempt:      task.Attempt,
		WorkerID:     task.WorkerID,
		BatchJobID:   task.BatchJobID,
		BatchJobName: task.BatchJobName,
		ExitCode:     task.ExitCode,
		Error:        task.ErrorMessage,
		StdOutCount:  task.StdOutCount,
		StdErrCount:  task.StdErrCount,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
	}

	var payload api.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err == nil {
		resp.Image = payload.Task.Image
	}
	return resp
}
