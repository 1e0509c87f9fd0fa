package routes

import (
	"fieldops/api/rest/handlers"

	"github.com/gorilla/mux"
)

// Handlers bundles the HTTP handlers the routes bind
type Handlers struct {
	Technician *handlers.TechnicianHandler
	Jobs       *handlers.JobHandler
	Dashboard  *handlers.DashboardHandler
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, h Handlers) {
	r.HandleFunc("/metrics", h.Dashboard.GetMetrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", h.Technician.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", h.Jobs.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.Jobs.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", h.Jobs.GetJobEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}/attachments", h.Jobs.GetJobAttachments).Methods("GET")
	api.HandleFunc("/jobs/{id}/time-in-status", h.Dashboard.GetTimeInStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}/invoice", h.Jobs.InvoiceJob).Methods("POST")

	// Technician session
	api.HandleFunc("/session", h.Technician.GetSession).Methods("GET")
	api.HandleFunc("/session/crew", h.Technician.SetCrew).Methods("PUT")
	api.HandleFunc("/session/jobs/{id}", h.Technician.OpenJob).Methods("POST")
	api.HandleFunc("/session/take", h.Technician.TakeJob).Methods("POST")
	api.HandleFunc("/session/arrive", h.Technician.Arrive).Methods("POST")
	api.HandleFunc("/session/pause", h.Technician.Pause).Methods("POST")
	api.HandleFunc("/session/resume", h.Technician.Resume).Methods("POST")
	api.HandleFunc("/session/cancel", h.Technician.Cancel).Methods("POST")
	api.HandleFunc("/session/finish", h.Technician.Finish).Methods("POST")
	api.HandleFunc("/session/parts", h.Technician.AddPart).Methods("POST")
	api.HandleFunc("/session/parts/{product_id}", h.Technician.RemovePart).Methods("DELETE")
	api.HandleFunc("/session/misc-parts", h.Technician.AddMiscPart).Methods("POST")
	api.HandleFunc("/session/photos", h.Technician.AddPhoto).Methods("POST")

	// Diagnostic run
	api.HandleFunc("/session/run", h.Technician.StartDiagnostics).Methods("POST")
	api.HandleFunc("/session/run/restart", h.Technician.RestartRun).Methods("POST")
	api.HandleFunc("/session/run/readings", h.Technician.SubmitReadings).Methods("POST")
	api.HandleFunc("/session/run/mark", h.Technician.MarkCheck).Methods("POST")
	api.HandleFunc("/session/run/repair/start", h.Technician.StartRepair).Methods("POST")
	api.HandleFunc("/session/run/repair/complete", h.Technician.CompleteRepair).Methods("POST")
	api.HandleFunc("/session/run/close", h.Technician.CloseRun).Methods("POST")

	// Offline queue
	api.HandleFunc("/sync", h.Technician.Sync).Methods("POST")
	api.HandleFunc("/outbox", h.Dashboard.ListOutbox).Methods("GET")
	api.HandleFunc("/outbox/{id}/retry", h.Dashboard.RetryOutbox).Methods("POST")
	api.HandleFunc("/outbox/{id}", h.Dashboard.DiscardOutbox).Methods("DELETE")
}
