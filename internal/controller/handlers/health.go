package handlers

import "net/http"

type readyResponse struct {
	Status     string `json:"status"`
	QueueDepth *int64 `json:"queue_depth,omitempty"`
}

// Healthz is a liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz fails while Redis is unreachable. When the queue can be read its
// depth is included.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log(r).Warn("readiness check failed", "error", err)
		h.httpError(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := readyResponse{Status: "ready"}
	if depth, err := h.store.Count(r.Context()); err == nil {
		resp.QueueDepth = &depth
	}
	h.respondJson(w, http.StatusOK, resp)
}
