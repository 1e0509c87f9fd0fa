package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"fieldops/core/logger"
	"fieldops/core/models"
	"fieldops/core/repository"
)

// JobStore is the slice of the gateway the state machine writes through
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, patch repository.JobPatch) error
	SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) error
	CancelJob(ctx context.Context, id, reason string) error
	MarkJobInvoiced(ctx context.Context, id string) error
	CloseActiveTimer(ctx context.Context, techID string) (bool, error)
}

// ReportGenerator renders and stores the job report once a job is finished
type ReportGenerator interface {
	Generate(ctx context.Context, job *models.Job) (string, error)
}

// Role of the user asking for a transition
type Role string

const (
	RoleTechnician Role = "technician"
	RoleOffice     Role = "office"
)

// Machine owns job status transitions. Every transition re-reads the job, so the same call is
// safe to replay from the outbox: a job already in the target status is left untouched.
type Machine struct {
	jobs    JobStore
	reports ReportGenerator
	log     *logger.Logger
}

type Option func(*Machine)

func WithLogger(log *logger.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithReports sets the generator invoked after a job is finished
func WithReports(r ReportGenerator) Option {
	return func(m *Machine) { m.reports = r }
}

// New creates a state machine over jobs
func New(jobs JobStore, opts ...Option) (*Machine, error) {
	if jobs == nil {
		return nil, fmt.Errorf("lifecycle: job store is required")
	}
	m := &Machine{jobs: jobs, log: logger.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "lifecycle")
	return m, nil
}

// Take moves an open job to on_the_way and stops the technician's in-shop timer, if one is running.
func (m *Machine) Take(ctx context.Context, jobID, techID string) (*models.Job, error) {
	if jobID == "" {
		return nil, required("job_id")
	}
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusOnTheWay {
		if err := check(job, models.JobStatusOnTheWay); err != nil {
			return nil, err
		}
		if job, err = m.move(ctx, job, models.JobStatusOnTheWay, models.JobStatusOptions{}); err != nil {
			return nil, err
		}
	}
	// timer and assignment follow the status write; replaying an applied take still finishes both
	if techID == "" {
		return job, nil
	}
	closed, err := m.jobs.CloseActiveTimer(ctx, techID)
	if err != nil {
		return nil, fmt.Errorf("close in-shop timer: %w", err)
	}
	if closed {
		m.log.Info("closed in-shop timer", "tech_id", techID, "job_id", jobID)
	}
	if job.TechID == "" {
		if err := m.jobs.UpdateJob(ctx, jobID, repository.JobPatch{TechID: &techID}); err != nil {
			return nil, err
		}
		job.TechID = techID
	}
	return job, nil
}

// Arrive puts the job on site. The destination is the status left at the last pause when that
// was an on-site status, otherwise diagnostics.
func (m *Machine) Arrive(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.OnSite() {
		return job, nil
	}
	to := models.JobStatusOnSiteDiagnostics
	if last := job.LastActiveStatus; last != nil && last.OnSite() {
		to = *last
	}
	if job.Status == models.JobStatusPaused && (job.LastActiveStatus == nil || !job.LastActiveStatus.OnSite()) {
		return nil, &TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	if err := check(job, to); err != nil {
		return nil, err
	}
	return m.move(ctx, job, to, models.JobStatusOptions{})
}

// EnterOnSite switches between the two on-site statuses as the diagnostic walk moves between
// check and repair nodes.
func (m *Machine) EnterOnSite(ctx context.Context, jobID string, to models.JobStatus) (*models.Job, error) {
	if !to.OnSite() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("%s is not an on-site status", to)}
	}
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == to {
		return job, nil
	}
	if !job.Status.OnSite() {
		return nil, &TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	return m.move(ctx, job, to, models.JobStatusOptions{})
}

// Pause records the reason and the status being left so Resume can return to it.
func (m *Machine) Pause(ctx context.Context, jobID, reason string) (*models.Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, required("reason")
	}
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusPaused {
		return job, nil
	}
	if !job.Status.Active() {
		return nil, &TransitionError{JobID: job.ID, From: job.Status, To: models.JobStatusPaused}
	}
	last := job.Status
	return m.move(ctx, job, models.JobStatusPaused, models.JobStatusOptions{Notes: reason, LastActiveStatus: &last})
}

// Resume returns a paused job to the status it was paused from.
func (m *Machine) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPaused {
		if job.Status.Active() {
			return job, nil
		}
		return nil, &TransitionError{JobID: job.ID, From: job.Status, To: models.JobStatusOnTheWay}
	}
	if job.LastActiveStatus == nil {
		return nil, &ValidationError{Field: "last_active_status", Message: "paused job has no status to resume"}
	}
	to := *job.LastActiveStatus
	if err := check(job, to); err != nil {
		return nil, err
	}
	return m.move(ctx, job, to, models.JobStatusOptions{})
}

// ChecklistItem is one line of the completion checklist
type ChecklistItem struct {
	Label   string `json:"label"`
	Checked bool   `json:"checked"`
}

// FinishRequest is the submitted completion preview
type FinishRequest struct {
	JobID             string            `json:"job_id"`
	RepairDescription string            `json:"repair_description"`
	Checklist         []ChecklistItem   `json:"checklist,omitempty"`
	MiscParts         []models.MiscPart `json:"misc_parts,omitempty"`
}

// Validate checks the inputs that must be present before anything is sent
func (r FinishRequest) Validate() error {
	if r.JobID == "" {
		return required("job_id")
	}
	if strings.TrimSpace(r.RepairDescription) == "" {
		return required("repair_description")
	}
	for _, item := range r.Checklist {
		if !item.Checked {
			return &ValidationError{Field: "checklist", Message: fmt.Sprintf("%q is not checked", item.Label)}
		}
	}
	return nil
}

// Finish stores the repair description, appends the non-inventory parts narrative to the job
// description, moves the job to finished and generates the report.
func (m *Machine) Finish(ctx context.Context, req FinishRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job, err := m.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusFinished {
		return job, nil
	}
	if err := check(job, models.JobStatusFinished); err != nil {
		return nil, err
	}

	description := strings.TrimSpace(req.RepairDescription)
	patch := repository.JobPatch{RepairDescription: &description}
	if narrative := MiscNarrative(req.MiscParts); narrative != "" && !strings.Contains(job.Description, narrative) {
		merged := narrative
		if job.Description != "" {
			merged = job.Description + "\n\n" + narrative
		}
		patch.Description = &merged
	}
	if err := m.jobs.UpdateJob(ctx, job.ID, patch); err != nil {
		return nil, err
	}

	finished, err := m.move(ctx, job, models.JobStatusFinished, models.JobStatusOptions{})
	if err != nil {
		return nil, err
	}
	if m.reports != nil {
		url, err := m.reports.Generate(ctx, finished)
		if err != nil {
			m.log.Warn("report generation failed", "job_id", job.ID, "error", err)
		} else {
			m.log.Info("report generated", "job_id", job.ID, "url", url)
		}
	}
	return finished, nil
}

// Invoice closes out a finished job. Only office users may invoice.
func (m *Machine) Invoice(ctx context.Context, jobID string, role Role) (*models.Job, error) {
	if role != RoleOffice {
		return nil, ErrForbidden
	}
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusInvoiced {
		return job, nil
	}
	if err := check(job, models.JobStatusInvoiced); err != nil {
		return nil, err
	}
	if err := m.jobs.MarkJobInvoiced(ctx, job.ID); err != nil {
		return nil, err
	}
	return m.jobs.GetJob(ctx, job.ID)
}

// Cancel ends a job that is not yet invoiced or canceled.
func (m *Machine) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, required("reason")
	}
	job, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusCanceled {
		return job, nil
	}
	if err := check(job, models.JobStatusCanceled); err != nil {
		return nil, err
	}
	if err := m.jobs.CancelJob(ctx, job.ID, reason); err != nil {
		return nil, err
	}
	return m.jobs.GetJob(ctx, job.ID)
}

func (m *Machine) load(ctx context.Context, jobID string) (*models.Job, error) {
	if jobID == "" {
		return nil, required("job_id")
	}
	return m.jobs.GetJob(ctx, jobID)
}

func (m *Machine) move(ctx context.Context, job *models.Job, to models.JobStatus, opts models.JobStatusOptions) (*models.Job, error) {
	if err := m.jobs.SetJobStatus(ctx, job.ID, to, opts); err != nil {
		return nil, err
	}
	m.log.Debug("job status changed", "job_id", job.ID, "from", job.Status, "to", to)
	return m.jobs.GetJob(ctx, job.ID)
}

func check(job *models.Job, to models.JobStatus) error {
	if !CanTransition(job.Status, to) {
		return &TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	return nil
}

// MiscNarrative renders non-inventory parts as the text block appended to a finished job's description.
func MiscNarrative(parts []models.MiscPart) string {
	if len(parts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Non-inventory parts:")
	for _, p := range parts {
		qty := p.Qty
		if qty <= 0 {
			qty = 1
		}
		fmt.Fprintf(&b, "\n- %d x %s", qty, p.Description)
		if p.UnitPrice > 0 {
			fmt.Fprintf(&b, " @ %.2f", p.UnitPrice)
		}
	}
	return b.String()
}
