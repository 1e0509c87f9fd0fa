package handlers

import (
	"net/http"
	"strconv"

	"fieldops/core/models"
	"fieldops/core/monitoring"
	"fieldops/core/orchestrator"

	"github.com/gorilla/mux"
)

// DashboardHandler serves metrics, time-in-status and the outbox admin endpoints
type DashboardHandler struct {
	metrics *monitoring.MetricsExporter
	tracker *monitoring.TimeTracker
	orch    *orchestrator.Orchestrator
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(
	metrics *monitoring.MetricsExporter,
	tracker *monitoring.TimeTracker,
	orch *orchestrator.Orchestrator,
) *DashboardHandler {
	return &DashboardHandler{
		metrics: metrics,
		tracker: tracker,
		orch:    orch,
	}
}

// GetMetrics handles GET /metrics
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.metrics.GetPrometheusMetrics(r.Context())
	if err != nil {
		http.Error(w, "Failed to collect metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(body))
}

// GetTimeInStatus handles GET /v1/jobs/{id}/time-in-status
func (h *DashboardHandler) GetTimeInStatus(w http.ResponseWriter, r *http.Request) {
	tis, err := h.tracker.ForJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tis)
}

// ListOutbox handles GET /v1/outbox
func (h *DashboardHandler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	items, err := h.orch.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// RetryOutbox handles POST /v1/outbox/{id}/retry
func (h *DashboardHandler) RetryOutbox(w http.ResponseWriter, r *http.Request) {
	id, ok := queuedID(w, r)
	if !ok {
		return
	}
	if err := h.orch.Retry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DiscardOutbox handles DELETE /v1/outbox/{id}
func (h *DashboardHandler) DiscardOutbox(w http.ResponseWriter, r *http.Request) {
	id, ok := queuedID(w, r)
	if !ok {
		return
	}
	if err := h.orch.Discard(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queuedID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid queued action id", Field: "id"})
		return 0, false
	}
	return id, true
}
