package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fieldops/core/diagnostics"
	"fieldops/core/lifecycle"
	"fieldops/core/models"
	"fieldops/core/orchestrator"
	"fieldops/core/repository"
	"fieldops/core/technician"

	"github.com/gorilla/mux"
)

// maxPhotoBytes bounds multipart photo uploads
const maxPhotoBytes = 20 << 20

// TechnicianHandler serves the technician device's actions on its session job
type TechnicianHandler struct {
	ctrl *technician.Controller
	conn orchestrator.Connectivity
}

// NewTechnicianHandler creates a new technician handler
func NewTechnicianHandler(ctrl *technician.Controller, conn orchestrator.Connectivity) *TechnicianHandler {
	return &TechnicianHandler{ctrl: ctrl, conn: conn}
}

// SessionResponse is the session view plus the device's connectivity
type SessionResponse struct {
	technician.View
	Online bool `json:"online"`
}

// GetSession handles GET /v1/session
func (h *TechnicianHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionResponse{View: h.ctrl.Session().View(), Online: h.conn.Online()})
}

// CrewRequest sets the truck and helpers riding with the technician
type CrewRequest struct {
	TruckID   string   `json:"truck_id"`
	HelperIDs []string `json:"helper_ids"`
}

// SetCrew handles PUT /v1/session/crew
func (h *TechnicianHandler) SetCrew(w http.ResponseWriter, r *http.Request) {
	var req CrewRequest
	if !decode(w, r, &req) {
		return
	}
	h.ctrl.Session().SetCrew(req.TruckID, req.HelperIDs)
	writeJSON(w, http.StatusOK, h.ctrl.Session().View())
}

// CreateJobRequest is the subset of job fields a technician may set on a new job
type CreateJobRequest struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer_id"`
	FieldID            string `json:"field_id"`
	JobTypeID          string `json:"job_type_id"`
	Description        string `json:"description"`
	ProblemDescription string `json:"problem_description"`
}

// CreateJob handles POST /v1/jobs
func (h *TechnicianHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, res, err := h.ctrl.CreateJob(r.Context(), models.Job{
		ID:                 req.ID,
		CustomerID:         req.CustomerID,
		FieldID:            req.FieldID,
		JobTypeID:          req.JobTypeID,
		Description:        req.Description,
		ProblemDescription: req.ProblemDescription,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"job":       job,
		"queued":    res.Queued,
		"queued_id": res.QueuedID,
	})
}

// OpenJob handles POST /v1/session/jobs/{id}
func (h *TechnicianHandler) OpenJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.OpenJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":     job,
		"session": h.ctrl.Session().View(),
	})
}

// TakeJob handles POST /v1/session/take
func (h *TechnicianHandler) TakeJob(w http.ResponseWriter, r *http.Request) {
	h.result(w)(h.ctrl.TakeJob(r.Context()))
}

// Arrive handles POST /v1/session/arrive
func (h *TechnicianHandler) Arrive(w http.ResponseWriter, r *http.Request) {
	h.result(w)(h.ctrl.Arrive(r.Context()))
}

// ReasonRequest carries the reason of a pause or cancel
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Pause handles POST /v1/session/pause
func (h *TechnicianHandler) Pause(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decode(w, r, &req) {
		return
	}
	h.result(w)(h.ctrl.Pause(r.Context(), req.Reason))
}

// Resume handles POST /v1/session/resume
func (h *TechnicianHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.result(w)(h.ctrl.Resume(r.Context()))
}

// Cancel handles POST /v1/session/cancel
func (h *TechnicianHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decode(w, r, &req) {
		return
	}
	h.result(w)(h.ctrl.Cancel(r.Context(), req.Reason))
}

// FinishRequest is the completion preview the technician submits
type FinishRequest struct {
	RepairDescription string                    `json:"repair_description"`
	Checklist         []lifecycle.ChecklistItem `json:"checklist"`
}

// Finish handles POST /v1/session/finish
func (h *TechnicianHandler) Finish(w http.ResponseWriter, r *http.Request) {
	var req FinishRequest
	if !decode(w, r, &req) {
		return
	}
	h.result(w)(h.ctrl.Finish(r.Context(), req.RepairDescription, req.Checklist))
}

// StartDiagnosticsRequest selects the workflow and brand to run
type StartDiagnosticsRequest struct {
	WorkflowID string `json:"workflow_id"`
	BrandID    string `json:"brand_id"`
}

// RunResponse describes the active diagnostic run
type RunResponse struct {
	RunID    string            `json:"run_id"`
	Status   models.RunStatus  `json:"status"`
	NodeID   string            `json:"node_id"`
	NodeType models.NodeType   `json:"node_type"`
	Title    string            `json:"title"`
	Screen   technician.Screen `json:"screen"`
}

func (h *TechnicianHandler) runResponse(st *diagnostics.State) RunResponse {
	return RunResponse{
		RunID:    st.Run.ID,
		Status:   st.Run.Status,
		NodeID:   st.Node.ID,
		NodeType: st.Node.Type(),
		Title:    st.Node.Title,
		Screen:   h.ctrl.Session().Screen(),
	}
}

// StartDiagnostics handles POST /v1/session/run
func (h *TechnicianHandler) StartDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req StartDiagnosticsRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.ctrl.StartDiagnostics(r.Context(), req.WorkflowID, req.BrandID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.runResponse(st))
}

// RestartRun handles POST /v1/session/run/restart
func (h *TechnicianHandler) RestartRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.RestartRun(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.runResponse(st))
}

// StepResponse is the outcome of a diagnostic step
type StepResponse struct {
	Condition models.EdgeCondition `json:"condition"`
	Readings  map[string]*bool     `json:"readings,omitempty"`
	NodeID    string               `json:"node_id"`
	NodeType  models.NodeType      `json:"node_type"`
	Title     string               `json:"title"`
	Exhausted bool                 `json:"exhausted,omitempty"`
	Screen    technician.Screen    `json:"screen"`
}

func (h *TechnicianHandler) step(w http.ResponseWriter, step diagnostics.Step, err error) {
	// Indeterminate readings still report which readings passed.
	if err != nil && !errors.Is(err, diagnostics.ErrIndeterminate) {
		writeError(w, err)
		return
	}
	resp := StepResponse{
		Condition: step.Condition,
		Readings:  step.Readings,
		NodeID:    step.Node.ID,
		NodeType:  step.Node.Type(),
		Title:     step.Node.Title,
		Exhausted: step.Exhausted,
		Screen:    h.ctrl.Session().Screen(),
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// ReadingsRequest maps reading ids to the raw values entered
type ReadingsRequest struct {
	Readings map[string]string `json:"readings"`
}

// SubmitReadings handles POST /v1/session/run/readings
func (h *TechnicianHandler) SubmitReadings(w http.ResponseWriter, r *http.Request) {
	var req ReadingsRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.ctrl.SubmitReadings(r.Context(), req.Readings)
	h.step(w, step, err)
}

// MarkRequest is a manual good/bad outcome for a check without readings
type MarkRequest struct {
	Good bool `json:"good"`
}

// MarkCheck handles POST /v1/session/run/mark
func (h *TechnicianHandler) MarkCheck(w http.ResponseWriter, r *http.Request) {
	var req MarkRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.ctrl.MarkCheck(r.Context(), req.Good)
	h.step(w, step, err)
}

// StartRepair handles POST /v1/session/run/repair/start
func (h *TechnicianHandler) StartRepair(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartRepair(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteRepair handles POST /v1/session/run/repair/complete
func (h *TechnicianHandler) CompleteRepair(w http.ResponseWriter, r *http.Request) {
	step, err := h.ctrl.CompleteRepair(r.Context())
	h.step(w, step, err)
}

// CloseRunRequest is the closure of a run at its end node
type CloseRunRequest struct {
	Reason      string `json:"reason"`
	Resolved    bool   `json:"resolved"`
	FollowUp    bool   `json:"follow_up"`
	OfficeNotes string `json:"office_notes"`
}

// CloseRun handles POST /v1/session/run/close
func (h *TechnicianHandler) CloseRun(w http.ResponseWriter, r *http.Request) {
	var req CloseRunRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.ctrl.CloseRun(r.Context(), diagnostics.Closure{
		Reason:      req.Reason,
		Resolved:    req.Resolved,
		FollowUp:    req.FollowUp,
		OfficeNotes: req.OfficeNotes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Session().View())
}

// PartRequest moves stocked parts between the truck and the job
type PartRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// AddPart handles POST /v1/session/parts
func (h *TechnicianHandler) AddPart(w http.ResponseWriter, r *http.Request) {
	var req PartRequest
	if !decode(w, r, &req) {
		return
	}
	h.result(w)(h.ctrl.AddPart(r.Context(), req.ProductID, req.Qty))
}

// RemovePart handles DELETE /v1/session/parts/{product_id}?qty=n
func (h *TechnicianHandler) RemovePart(w http.ResponseWriter, r *http.Request) {
	qty := 1
	if raw := r.URL.Query().Get("qty"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid qty", Field: "qty"})
			return
		}
		qty = n
	}
	h.result(w)(h.ctrl.RemovePart(r.Context(), mux.Vars(r)["product_id"], qty))
}

// AddMiscPart handles POST /v1/session/misc-parts
func (h *TechnicianHandler) AddMiscPart(w http.ResponseWriter, r *http.Request) {
	var part models.MiscPart
	if !decode(w, r, &part) {
		return
	}
	if err := h.ctrl.AddMiscPart(r.Context(), part); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.ctrl.Session().View())
}

// AddPhoto handles POST /v1/session/photos as multipart with fields "stage" and "file"
func (h *TechnicianHandler) AddPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid multipart body"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "file is required", Field: "file"})
		return
	}
	defer file.Close()

	stage := diagnostics.PhotoStage(strings.ToLower(r.FormValue("stage")))
	if stage != diagnostics.PhotoBefore && stage != diagnostics.PhotoAfter {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "stage must be before or after", Field: "stage"})
		return
	}
	url, err := h.ctrl.AddPhoto(r.Context(), stage, repository.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// Sync handles POST /v1/sync
func (h *TechnicianHandler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctrl.Sync(r.Context())
	var replay *orchestrator.ReplayError
	if err != nil && !errors.As(err, &replay) {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"applied":   report.Applied,
		"remaining": report.Remaining,
	}
	if report.Halted != nil {
		resp["halted"] = report.Halted
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TechnicianHandler) result(w http.ResponseWriter) func(orchestrator.Result, error) {
	return func(res orchestrator.Result, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeResult(w, res, map[string]interface{}{"session": h.ctrl.Session().View()})
	}
}
