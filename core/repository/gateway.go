package repository

import (
	"context"
	"io"
	"time"

	"fieldops/core/models"
)

// JobStore covers job reads and writes
type JobStore interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) error
	// SetJobStatus writes the new status and, atomically with it, closes the job's active
	// status event and opens a new one (none for invoiced/canceled).
	SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) error
	CancelJob(ctx context.Context, id, reason string) error
	MarkJobInvoiced(ctx context.Context, id string) error
	ListJobStatusEvents(ctx context.Context, jobID string) ([]models.JobStatusEvent, error)
	CloseActiveTimer(ctx context.Context, techID string) (bool, error)
}

// DiagnosticStore covers workflow definitions, runs and run events
type DiagnosticStore interface {
	ListDiagnosticWorkflows(ctx context.Context) ([]models.DiagnosticWorkflow, error)
	ListDiagnosticWorkflowBrands(ctx context.Context, workflowID string) ([]models.WorkflowBrand, error)
	ListDiagnosticNodes(ctx context.Context, brandID string) ([]models.DiagnosticNode, error)
	ListDiagnosticEdges(ctx context.Context, brandID string) ([]models.DiagnosticEdge, error)
	// CreateDiagnosticWorkflowRun fails with a conflict when the job already has an in-progress run.
	CreateDiagnosticWorkflowRun(ctx context.Context, run models.WorkflowRun) (*models.WorkflowRun, error)
	UpdateDiagnosticWorkflowRun(ctx context.Context, id string, update models.RunUpdate) error
	GetDiagnosticWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListDiagnosticWorkflowRuns(ctx context.Context, jobID string) ([]models.WorkflowRun, error)
	CreateDiagnosticRunEvent(ctx context.Context, event models.RunEvent) error
	ListDiagnosticRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error)
}

// InventoryStore covers the truck and job quantity ledgers
type InventoryStore interface {
	ListTruckInventory(ctx context.Context, truckID string) ([]models.TruckInventoryItem, error)
	UpsertTruckInventory(ctx context.Context, item models.TruckInventoryItem) error
	// AddJobPart debits the truck and credits the job in one step; RemoveJobPart reverses it.
	AddJobPart(ctx context.Context, change models.JobPartChange) error
	RemoveJobPart(ctx context.Context, change models.JobPartChange) error
	ListJobParts(ctx context.Context, jobID string) ([]models.JobPart, error)
}

// AttachmentStore covers photo uploads and job attachments
type AttachmentStore interface {
	UploadJobPhoto(ctx context.Context, file Upload, prefix string) (string, error)
	AddAttachment(ctx context.Context, attachment models.Attachment) error
	ListAttachments(ctx context.Context, jobID string) ([]models.Attachment, error)
}

// Gateway is the data access contract the core consumes
type Gateway interface {
	JobStore
	DiagnosticStore
	InventoryStore
	AttachmentStore
	Ping(ctx context.Context) error
}

// Upload is a file handed to UploadJobPhoto
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ObjectStore persists uploaded files and returns their URL
type ObjectStore interface {
	Put(ctx context.Context, key string, file Upload) (string, error)
}

// JobPatch holds the editable job fields; nil fields are left untouched
type JobPatch struct {
	Description        *string   `json:"description,omitempty"`
	OfficeNotes        *string   `json:"office_notes,omitempty"`
	ProblemDescription *string   `json:"problem_description,omitempty"`
	RepairDescription  *string   `json:"repair_description,omitempty"`
	TruckID            *string   `json:"truck_id,omitempty"`
	TechID             *string   `json:"tech_id,omitempty"`
	HelperIDs          *[]string `json:"helper_ids,omitempty"`
}

func (p JobPatch) apply(job *models.Job) {
	if p.Description != nil {
		job.Description = *p.Description
	}
	if p.OfficeNotes != nil {
		job.OfficeNotes = *p.OfficeNotes
	}
	if p.ProblemDescription != nil {
		job.ProblemDescription = *p.ProblemDescription
	}
	if p.RepairDescription != nil {
		job.RepairDescription = *p.RepairDescription
	}
	if p.TruckID != nil {
		job.TruckID = *p.TruckID
	}
	if p.TechID != nil {
		job.TechID = *p.TechID
	}
	if p.HelperIDs != nil {
		job.HelperIDs = append([]string(nil), (*p.HelperIDs)...)
	}
}

// stampStatus sets the status timestamp and pause bookkeeping the status implies.
func stampStatus(job *models.Job, status models.JobStatus, opts models.JobStatusOptions, at time.Time) {
	job.Status = status
	job.UpdatedAt = at
	switch status {
	case models.JobStatusOnTheWay:
		job.OnTheWayAt = &at
	case models.JobStatusOnSiteDiagnostics, models.JobStatusOnSiteRepair:
		if job.ArrivedAt == nil {
			job.ArrivedAt = &at
		}
	case models.JobStatusFinished:
		job.FinishedAt = &at
	case models.JobStatusInvoiced:
		job.InvoicedAt = &at
	case models.JobStatusCanceled:
		job.CanceledAt = &at
	}
	if status == models.JobStatusPaused {
		job.LastActiveStatus = opts.LastActiveStatus
	} else {
		job.LastActiveStatus = nil
	}
}
