package models

import "time"

// Job represents one field-service work order
type Job struct {
	ID                 string     `json:"id"`
	OrgID              string     `json:"org_id"`
	CustomerID         string     `json:"customer_id"`
	FieldID            string     `json:"field_id,omitempty"`
	JobTypeID          string     `json:"job_type_id,omitempty"`
	TruckID            string     `json:"truck_id,omitempty"`
	TechID             string     `json:"tech_id,omitempty"`
	HelperIDs          []string   `json:"helper_ids,omitempty"`
	Status             JobStatus  `json:"status"`
	Description        string     `json:"description,omitempty"`
	OfficeNotes        string     `json:"office_notes,omitempty"`
	ProblemDescription string     `json:"problem_description,omitempty"`
	RepairDescription  string     `json:"repair_description,omitempty"`
	LastActiveStatus   *JobStatus `json:"last_active_status,omitempty"` // Status to resume after a pause
	CreatedAt          time.Time  `json:"created_at"`
	OnTheWayAt         *time.Time `json:"on_the_way_at,omitempty"`
	ArrivedAt          *time.Time `json:"arrived_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	InvoicedAt         *time.Time `json:"invoiced_at,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusOpen              JobStatus = "open"
	JobStatusOnTheWay          JobStatus = "on_the_way"
	JobStatusOnSiteDiagnostics JobStatus = "on_site_diagnostics"
	JobStatusOnSiteRepair      JobStatus = "on_site_repair"
	JobStatusPaused            JobStatus = "paused"
	JobStatusFinished          JobStatus = "finished"
	JobStatusInvoiced          JobStatus = "invoiced"
	JobStatusCanceled          JobStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusOpen, JobStatusOnTheWay, JobStatusOnSiteDiagnostics, JobStatusOnSiteRepair,
		JobStatusPaused, JobStatusFinished, JobStatusInvoiced, JobStatusCanceled:
		return true
	}
	return false
}

// Terminal statuses cannot be left and track no duration.
func (s JobStatus) Terminal() bool {
	return s == JobStatusInvoiced || s == JobStatusCanceled
}

// Active statuses are the ones a technician is working in and may pause from.
func (s JobStatus) Active() bool {
	return s == JobStatusOnTheWay || s == JobStatusOnSiteDiagnostics || s == JobStatusOnSiteRepair
}

// OnSite reports whether s is one of the on-site work statuses.
func (s JobStatus) OnSite() bool {
	return s == JobStatusOnSiteDiagnostics || s == JobStatusOnSiteRepair
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	Status  *JobStatus
	TechID  string
	TruckID string
	Limit   int
}

// JobStatusOptions carries the optional arguments of a status write
type JobStatusOptions struct {
	Notes            string
	LastActiveStatus *JobStatus
}
