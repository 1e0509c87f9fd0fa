package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"fieldops/core/diagnostics"
	"fieldops/core/lifecycle"
	"fieldops/core/orchestrator"
	"fieldops/core/outbox"
	"fieldops/core/repository"
	"fieldops/core/technician"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ResultResponse reports whether an action reached the remote store or was queued
type ResultResponse struct {
	Queued   bool  `json:"queued"`
	QueuedID int64 `json:"queued_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeResult answers 202 for queued actions so the client knows the change is local only.
func writeResult(w http.ResponseWriter, res orchestrator.Result, extra map[string]interface{}) {
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	if extra == nil {
		writeJSON(w, status, ResultResponse{Queued: res.Queued, QueuedID: res.QueuedID})
		return
	}
	extra["queued"] = res.Queued
	if res.Queued {
		extra["queued_id"] = res.QueuedID
	}
	writeJSON(w, status, extra)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, statusFor(err), resp)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrValidation),
		errors.Is(err, repository.ErrValidation),
		errors.Is(err, diagnostics.ErrIndeterminate),
		errors.Is(err, diagnostics.ErrManualMarkNotAllowed),
		errors.Is(err, diagnostics.ErrBeforePhotoRequired),
		errors.Is(err, diagnostics.ErrAfterPhotoRequired),
		errors.Is(err, diagnostics.ErrClosureReasonRequired),
		errors.Is(err, diagnostics.ErrFollowUpNotAllowed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, technician.ErrNoJob),
		errors.Is(err, technician.ErrNoRun),
		errors.Is(err, technician.ErrRunActive),
		errors.Is(err, diagnostics.ErrWrongNodeType),
		errors.Is(err, diagnostics.ErrRepairNotStarted),
		errors.Is(err, diagnostics.ErrRunCompleted),
		errors.Is(err, diagnostics.ErrBrandUnavailable),
		errors.Is(err, diagnostics.ErrNodeMissing):
		return http.StatusConflict
	case errors.Is(err, technician.ErrUploadOffline), errors.Is(err, repository.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
