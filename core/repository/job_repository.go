package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fieldops/core/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `
	id, org_id, customer_id, field_id, job_type_id, truck_id, tech_id, helper_ids,
	status, description, office_notes, problem_description, repair_description,
	last_active_status, created_at, on_the_way_at, arrived_at, finished_at,
	invoiced_at, canceled_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var customerID, fieldID, jobTypeID, truckID, techID, lastActive sql.NullString
	var onTheWayAt, arrivedAt, finishedAt, invoicedAt, canceledAt sql.NullTime
	var helpers pq.StringArray

	err := row.Scan(
		&job.ID,
		&job.OrgID,
		&customerID,
		&fieldID,
		&jobTypeID,
		&truckID,
		&techID,
		&helpers,
		&job.Status,
		&job.Description,
		&job.OfficeNotes,
		&job.ProblemDescription,
		&job.RepairDescription,
		&lastActive,
		&job.CreatedAt,
		&onTheWayAt,
		&arrivedAt,
		&finishedAt,
		&invoicedAt,
		&canceledAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.CustomerID = customerID.String
	job.FieldID = fieldID.String
	job.JobTypeID = jobTypeID.String
	job.TruckID = truckID.String
	job.TechID = techID.String
	job.HelperIDs = []string(helpers)
	if lastActive.Valid {
		status := models.JobStatus(lastActive.String)
		job.LastActiveStatus = &status
	}
	job.OnTheWayAt = timePtr(onTheWayAt)
	job.ArrivedAt = timePtr(arrivedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.InvoicedAt = timePtr(invoicedAt)
	job.CanceledAt = timePtr(canceledAt)
	return &job, nil
}

// ListJobs lists the org's jobs, newest first
func (g *PostgresGateway) ListJobs(ctx context.Context, filter models.JobFilter) (jobs []*models.Job, err error) {
	ctx, end := g.span(ctx, "ListJobs")
	defer func() { end(err) }()

	query := `SELECT` + jobColumns + ` FROM jobs WHERE org_id = $1`
	args := []interface{}{g.orgID}
	argIndex := 2

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.TechID != "" {
		query += fmt.Sprintf(" AND tech_id = $%d", argIndex)
		args = append(args, filter.TechID)
		argIndex++
	}
	if filter.TruckID != "" {
		query += fmt.Sprintf(" AND truck_id = $%d", argIndex)
		args = append(args, filter.TruckID)
		argIndex++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Normalize("ListJobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, Normalize("ListJobs", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, Normalize("ListJobs", rows.Err())
}

// GetJob retrieves a job by ID
func (g *PostgresGateway) GetJob(ctx context.Context, id string) (job *models.Job, err error) {
	ctx, end := g.span(ctx, "GetJob")
	defer func() { end(err) }()

	row := g.db.QueryRowContext(ctx, `SELECT`+jobColumns+` FROM jobs WHERE org_id = $1 AND id = $2`, g.orgID, id)
	job, err = scanJob(row)
	if err != nil {
		return nil, Normalize("GetJob", err)
	}
	return job, nil
}

// CreateJob inserts a job and opens its first status event. Replaying the same id is a no-op.
func (g *PostgresGateway) CreateJob(ctx context.Context, job *models.Job) (created *models.Job, err error) {
	ctx, end := g.span(ctx, "CreateJob")
	defer func() { end(err) }()

	if job == nil {
		return nil, Errorf(KindValidation, "CreateJob", "job is required")
	}
	cp := *job
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = models.JobStatusOpen
	}
	now := g.now()
	cp.OrgID = g.orgID
	cp.CreatedAt = now
	cp.UpdatedAt = now

	inserted := false
	err = g.inTx(ctx, "CreateJob", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, org_id, customer_id, field_id, job_type_id, truck_id, tech_id, helper_ids,
				status, description, office_notes, problem_description, repair_description,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO NOTHING`,
			cp.ID,
			cp.OrgID,
			nullString(cp.CustomerID),
			nullString(cp.FieldID),
			nullString(cp.JobTypeID),
			nullString(cp.TruckID),
			nullString(cp.TechID),
			pq.Array(cp.HelperIDs),
			cp.Status,
			cp.Description,
			cp.OfficeNotes,
			cp.ProblemDescription,
			cp.RepairDescription,
			cp.CreatedAt,
			cp.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		inserted = true
		return openStatusEvent(ctx, tx, g.orgID, cp.ID, cp.Status, "", now)
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return g.GetJob(ctx, cp.ID)
	}
	return &cp, nil
}

// UpdateJob writes the non-nil fields of patch
func (g *PostgresGateway) UpdateJob(ctx context.Context, id string, patch JobPatch) (err error) {
	ctx, end := g.span(ctx, "UpdateJob")
	defer func() { end(err) }()

	var sets []string
	args := []interface{}{g.orgID, id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.OfficeNotes != nil {
		add("office_notes", *patch.OfficeNotes)
	}
	if patch.ProblemDescription != nil {
		add("problem_description", *patch.ProblemDescription)
	}
	if patch.RepairDescription != nil {
		add("repair_description", *patch.RepairDescription)
	}
	if patch.TruckID != nil {
		add("truck_id", nullString(*patch.TruckID))
	}
	if patch.TechID != nil {
		add("tech_id", nullString(*patch.TechID))
	}
	if patch.HelperIDs != nil {
		add("helper_ids", pq.Array(*patch.HelperIDs))
	}
	add("updated_at", g.now())

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE org_id = $1 AND id = $2", strings.Join(sets, ", "))
	res, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Normalize("UpdateJob", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errorf(KindNotFound, "UpdateJob", "job %s not found", id)
	}
	return nil
}

// SetJobStatus prefers the set_job_status procedure and falls back to a client-side transaction
// when the procedure is missing. The fallback choice is cached for the life of the gateway.
func (g *PostgresGateway) SetJobStatus(ctx context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) (err error) {
	ctx, end := g.span(ctx, "SetJobStatus")
	defer func() { end(err) }()

	if !status.Valid() {
		return Errorf(KindValidation, "SetJobStatus", "unknown status %q", status)
	}
	if !g.rpcMissing.Load() {
		err = g.setJobStatusRPC(ctx, jobID, status, opts)
		if KindOf(err) != KindRPCMissing {
			return err
		}
		g.rpcMissing.Store(true)
		g.log.Warn("set_job_status procedure missing, using field update fallback", "job_id", jobID)
	}
	return g.setJobStatusFallback(ctx, jobID, status, opts)
}

func (g *PostgresGateway) setJobStatusRPC(ctx context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) error {
	var lastActive sql.NullString
	if opts.LastActiveStatus != nil {
		lastActive = nullString(string(*opts.LastActiveStatus))
	}
	_, err := g.db.ExecContext(ctx, `SELECT set_job_status($1, $2, $3, $4, $5)`,
		g.orgID, jobID, status, opts.Notes, lastActive)
	return Normalize("SetJobStatus", err)
}

func (g *PostgresGateway) setJobStatusFallback(ctx context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) error {
	now := g.now()
	return g.inTx(ctx, "SetJobStatus", func(tx *sql.Tx) error {
		var lastActive sql.NullString
		if status == models.JobStatusPaused && opts.LastActiveStatus != nil {
			lastActive = nullString(string(*opts.LastActiveStatus))
		}
		query := `UPDATE jobs SET status = $3, last_active_status = $4, updated_at = $5`
		if column := statusTimestampColumn(status); column != "" {
			if column == "arrived_at" {
				query += ", arrived_at = COALESCE(arrived_at, $5)"
			} else {
				query += ", " + column + " = $5"
			}
		}
		query += ` WHERE org_id = $1 AND id = $2`

		res, err := tx.ExecContext(ctx, query, g.orgID, jobID, status, lastActive, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Errorf(KindNotFound, "SetJobStatus", "job %s not found", jobID)
		}
		if err := closeStatusEvent(ctx, tx, g.orgID, jobID, now); err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}
		return openStatusEvent(ctx, tx, g.orgID, jobID, status, opts.Notes, now)
	})
}

func statusTimestampColumn(status models.JobStatus) string {
	switch status {
	case models.JobStatusOnTheWay:
		return "on_the_way_at"
	case models.JobStatusOnSiteDiagnostics, models.JobStatusOnSiteRepair:
		return "arrived_at"
	case models.JobStatusFinished:
		return "finished_at"
	case models.JobStatusInvoiced:
		return "invoiced_at"
	case models.JobStatusCanceled:
		return "canceled_at"
	}
	return ""
}

// CancelJob cancels the job and records the reason in the office notes
func (g *PostgresGateway) CancelJob(ctx context.Context, id, reason string) (err error) {
	if strings.TrimSpace(reason) == "" {
		return Errorf(KindValidation, "CancelJob", "cancel reason is required")
	}
	if err := g.SetJobStatus(ctx, id, models.JobStatusCanceled, models.JobStatusOptions{Notes: reason}); err != nil {
		return err
	}
	ctx, end := g.span(ctx, "CancelJob")
	defer func() { end(err) }()

	_, err = g.db.ExecContext(ctx, `
		UPDATE jobs SET office_notes = CASE WHEN office_notes = '' THEN $3 ELSE office_notes || E'\n' || $3 END
		WHERE org_id = $1 AND id = $2`,
		g.orgID, id, "Canceled: "+reason)
	return Normalize("CancelJob", err)
}

// MarkJobInvoiced moves a job to invoiced
func (g *PostgresGateway) MarkJobInvoiced(ctx context.Context, id string) error {
	return g.SetJobStatus(ctx, id, models.JobStatusInvoiced, models.JobStatusOptions{})
}
