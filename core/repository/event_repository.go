package repository

import (
	"context"
	"database/sql"
	"time"

	"fieldops/core/models"
)

func openStatusEvent(ctx context.Context, tx *sql.Tx, orgID, jobID string, status models.JobStatus, notes string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_status_events (org_id, job_id, event_type, started_at, notes)
		VALUES ($1, $2, $3, $4, $5)`,
		orgID, jobID, status, at, notes)
	return err
}

// closeStatusEvent ends the job's active event, if any, and computes its duration.
func closeStatusEvent(ctx context.Context, tx *sql.Tx, orgID, jobID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE job_status_events
		SET ended_at = $3,
			duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($3 - started_at))))::BIGINT
		WHERE org_id = $1 AND job_id = $2 AND ended_at IS NULL`,
		orgID, jobID, at)
	return err
}

// ListJobStatusEvents returns a job's status events in the order they started
func (g *PostgresGateway) ListJobStatusEvents(ctx context.Context, jobID string) (events []models.JobStatusEvent, err error) {
	ctx, end := g.span(ctx, "ListJobStatusEvents")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, job_id, event_type, started_at, ended_at, duration_seconds, notes
		FROM job_status_events
		WHERE org_id = $1 AND job_id = $2
		ORDER BY started_at, id`,
		g.orgID, jobID)
	if err != nil {
		return nil, Normalize("ListJobStatusEvents", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event models.JobStatusEvent
		var endedAt sql.NullTime
		var duration sql.NullInt64

		if err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.EventType,
			&event.StartedAt,
			&endedAt,
			&duration,
			&event.Notes,
		); err != nil {
			return nil, Normalize("ListJobStatusEvents", err)
		}
		event.EndedAt = timePtr(endedAt)
		if duration.Valid {
			d := duration.Int64
			event.DurationSeconds = &d
		}
		events = append(events, event)
	}
	return events, Normalize("ListJobStatusEvents", rows.Err())
}

// CloseActiveTimer ends the technician's running in-shop timer. It reports whether one was open.
func (g *PostgresGateway) CloseActiveTimer(ctx context.Context, techID string) (closed bool, err error) {
	ctx, end := g.span(ctx, "CloseActiveTimer")
	defer func() { end(err) }()

	res, err := g.db.ExecContext(ctx, `
		UPDATE tech_timers SET ended_at = $3
		WHERE org_id = $1 AND tech_id = $2 AND ended_at IS NULL`,
		g.orgID, techID, g.now())
	if err != nil {
		return false, Normalize("CloseActiveTimer", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
