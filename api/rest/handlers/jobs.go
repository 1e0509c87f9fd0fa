package handlers

import (
	"net/http"
	"strconv"

	"fieldops/core/lifecycle"
	"fieldops/core/models"
	"fieldops/core/repository"

	"github.com/gorilla/mux"
)

// RoleHeader names the caller's role for office-only endpoints
const RoleHeader = "X-Fieldops-Role"

// JobHandler handles job reads and office transitions
type JobHandler struct {
	gw      repository.Gateway
	machine *lifecycle.Machine
}

// NewJobHandler creates a new job handler
func NewJobHandler(gw repository.Gateway, machine *lifecycle.Machine) *JobHandler {
	return &JobHandler{gw: gw, machine: machine}
}

// ListJobs handles GET /v1/jobs?status=&tech_id=&truck_id=&limit=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		TechID:  q.Get("tech_id"),
		TruckID: q.Get("truck_id"),
		Limit:   50,
	}
	if raw := q.Get("status"); raw != "" {
		status := models.JobStatus(raw)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unknown status", Field: "status"})
			return
		}
		filter.Status = &status
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Field: "limit"})
			return
		}
		filter.Limit = n
	}

	jobs, err := h.gw.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": jobs})
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := h.gw.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	parts, err := h.gw.ListJobParts(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":   job,
		"parts": parts,
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.gw.ListJobStatusEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.JobStatusEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

// GetJobAttachments handles GET /v1/jobs/{id}/attachments?type=
func (h *JobHandler) GetJobAttachments(w http.ResponseWriter, r *http.Request) {
	attachments, err := h.gw.ListAttachments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	typ := models.AttachmentType(r.URL.Query().Get("type"))
	items := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		if typ == "" || a.AttachmentType == typ {
			items = append(items, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// InvoiceJob handles POST /v1/jobs/{id}/invoice; office role only
func (h *JobHandler) InvoiceJob(w http.ResponseWriter, r *http.Request) {
	role := lifecycle.Role(r.Header.Get(RoleHeader))
	job, err := h.machine.Invoice(r.Context(), mux.Vars(r)["id"], role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
