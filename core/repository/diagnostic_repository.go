package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fieldops/core/models"

	"github.com/google/uuid"
)

// ListDiagnosticWorkflows lists the org's workflows by name
func (g *PostgresGateway) ListDiagnosticWorkflows(ctx context.Context) (workflows []models.DiagnosticWorkflow, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticWorkflows")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, name, description, created_at
		FROM diagnostic_workflows
		WHERE org_id = $1
		ORDER BY name`, g.orgID)
	if err != nil {
		return nil, Normalize("ListDiagnosticWorkflows", err)
	}
	defer rows.Close()

	for rows.Next() {
		var wf models.DiagnosticWorkflow
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.CreatedAt); err != nil {
			return nil, Normalize("ListDiagnosticWorkflows", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, Normalize("ListDiagnosticWorkflows", rows.Err())
}

// ListDiagnosticWorkflowBrands returns every brand of a workflow; callers filter on published.
func (g *PostgresGateway) ListDiagnosticWorkflowBrands(ctx context.Context, workflowID string) (brands []models.WorkflowBrand, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticWorkflowBrands")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, workflow_id, name, status, version
		FROM diagnostic_workflow_brands
		WHERE org_id = $1 AND workflow_id = $2
		ORDER BY name`, g.orgID, workflowID)
	if err != nil {
		return nil, Normalize("ListDiagnosticWorkflowBrands", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b models.WorkflowBrand
		if err := rows.Scan(&b.ID, &b.WorkflowID, &b.Name, &b.Status, &b.Version); err != nil {
			return nil, Normalize("ListDiagnosticWorkflowBrands", err)
		}
		brands = append(brands, b)
	}
	return brands, Normalize("ListDiagnosticWorkflowBrands", rows.Err())
}

func (g *PostgresGateway) ListDiagnosticNodes(ctx context.Context, brandID string) (nodes []models.DiagnosticNode, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticNodes")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, brand_id, title, sort_order, node_type, data
		FROM diagnostic_nodes
		WHERE org_id = $1 AND brand_id = $2
		ORDER BY sort_order, id`, g.orgID, brandID)
	if err != nil {
		return nil, Normalize("ListDiagnosticNodes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n models.DiagnosticNode
		var nodeType models.NodeType
		var raw []byte
		if err := rows.Scan(&n.ID, &n.BrandID, &n.Title, &n.SortOrder, &nodeType, &raw); err != nil {
			return nil, Normalize("ListDiagnosticNodes", err)
		}
		n.Data, err = models.DecodeNodeData(nodeType, raw)
		if err != nil {
			return nil, Errorf(KindRemote, "ListDiagnosticNodes", "node %s: %v", n.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, Normalize("ListDiagnosticNodes", rows.Err())
}

func (g *PostgresGateway) ListDiagnosticEdges(ctx context.Context, brandID string) (edges []models.DiagnosticEdge, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticEdges")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, brand_id, from_node_id, to_node_id, condition
		FROM diagnostic_edges
		WHERE org_id = $1 AND brand_id = $2
		ORDER BY id`, g.orgID, brandID)
	if err != nil {
		return nil, Normalize("ListDiagnosticEdges", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.DiagnosticEdge
		if err := rows.Scan(&e.ID, &e.BrandID, &e.FromNodeID, &e.ToNodeID, &e.Condition); err != nil {
			return nil, Normalize("ListDiagnosticEdges", err)
		}
		edges = append(edges, e)
	}
	return edges, Normalize("ListDiagnosticEdges", rows.Err())
}

const runColumns = `id, job_id, workflow_id, brand_id, workflow_version_hash, status, current_node_id, started_at, completed_at`

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var completedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.WorkflowID,
		&run.BrandID,
		&run.WorkflowVersionHash,
		&run.Status,
		&run.CurrentNodeID,
		&run.StartedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

// CreateDiagnosticWorkflowRun checks for an in-progress run and inserts the new one in the same
// transaction, holding the job row lock so concurrent starts serialize.
func (g *PostgresGateway) CreateDiagnosticWorkflowRun(ctx context.Context, run models.WorkflowRun) (created *models.WorkflowRun, err error) {
	ctx, end := g.span(ctx, "CreateDiagnosticWorkflowRun")
	defer func() { end(err) }()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusInProgress
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = g.now()
	}

	err = g.inTx(ctx, "CreateDiagnosticWorkflowRun", func(tx *sql.Tx) error {
		existing, err := scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM diagnostic_workflow_runs WHERE org_id = $1 AND id = $2`, g.orgID, run.ID))
		if err == nil {
			created = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		var locked string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE org_id = $1 AND id = $2 FOR UPDATE`, g.orgID, run.JobID).Scan(&locked); err != nil {
			if err == sql.ErrNoRows {
				return Errorf(KindNotFound, "CreateDiagnosticWorkflowRun", "job %s not found", run.JobID)
			}
			return err
		}

		var inProgress string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM diagnostic_workflow_runs
			WHERE org_id = $1 AND job_id = $2 AND status = $3
			LIMIT 1`, g.orgID, run.JobID, models.RunStatusInProgress).Scan(&inProgress)
		switch {
		case err == nil:
			return Errorf(KindConflict, "CreateDiagnosticWorkflowRun", "job %s already has in-progress run %s", run.JobID, inProgress)
		case err != sql.ErrNoRows:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO diagnostic_workflow_runs (
				id, org_id, job_id, workflow_id, brand_id, workflow_version_hash, status, current_node_id, started_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, g.orgID, run.JobID, run.WorkflowID, run.BrandID, run.WorkflowVersionHash,
			run.Status, run.CurrentNodeID, run.StartedAt, nullTime(run.CompletedAt))
		if err != nil {
			return err
		}
		created = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (g *PostgresGateway) UpdateDiagnosticWorkflowRun(ctx context.Context, id string, update models.RunUpdate) (err error) {
	ctx, end := g.span(ctx, "UpdateDiagnosticWorkflowRun")
	defer func() { end(err) }()

	var sets []string
	args := []interface{}{g.orgID, id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.CurrentNodeID != nil {
		add("current_node_id", *update.CurrentNodeID)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE diagnostic_workflow_runs SET %s WHERE org_id = $1 AND id = $2", strings.Join(sets, ", "))
	res, err := g.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Normalize("UpdateDiagnosticWorkflowRun", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errorf(KindNotFound, "UpdateDiagnosticWorkflowRun", "run %s not found", id)
	}
	return nil
}

func (g *PostgresGateway) GetDiagnosticWorkflowRun(ctx context.Context, id string) (run *models.WorkflowRun, err error) {
	ctx, end := g.span(ctx, "GetDiagnosticWorkflowRun")
	defer func() { end(err) }()

	run, err = scanRun(g.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM diagnostic_workflow_runs WHERE org_id = $1 AND id = $2`, g.orgID, id))
	if err != nil {
		return nil, Normalize("GetDiagnosticWorkflowRun", err)
	}
	return run, nil
}

func (g *PostgresGateway) ListDiagnosticWorkflowRuns(ctx context.Context, jobID string) (runs []models.WorkflowRun, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticWorkflowRuns")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM diagnostic_workflow_runs
		WHERE org_id = $1 AND job_id = $2
		ORDER BY started_at`, g.orgID, jobID)
	if err != nil {
		return nil, Normalize("ListDiagnosticWorkflowRuns", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, Normalize("ListDiagnosticWorkflowRuns", err)
		}
		runs = append(runs, *run)
	}
	return runs, Normalize("ListDiagnosticWorkflowRuns", rows.Err())
}

// CreateDiagnosticRunEvent appends an audit entry. Replays of the same event id are ignored.
func (g *PostgresGateway) CreateDiagnosticRunEvent(ctx context.Context, event models.RunEvent) (err error) {
	ctx, end := g.span(ctx, "CreateDiagnosticRunEvent")
	defer func() { end(err) }()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = g.now()
	}
	payload := []byte("{}")
	if event.Payload != nil {
		payload, err = json.Marshal(event.Payload)
		if err != nil {
			return Errorf(KindValidation, "CreateDiagnosticRunEvent", "encode payload: %v", err)
		}
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO diagnostic_run_events (id, org_id, run_id, node_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, g.orgID, event.RunID, event.NodeID, event.EventType, payload, event.CreatedAt)
	return Normalize("CreateDiagnosticRunEvent", err)
}

func (g *PostgresGateway) ListDiagnosticRunEvents(ctx context.Context, runID string) (events []models.RunEvent, err error) {
	ctx, end := g.span(ctx, "ListDiagnosticRunEvents")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, event_type, payload, created_at
		FROM diagnostic_run_events
		WHERE org_id = $1 AND run_id = $2
		ORDER BY created_at, id`, g.orgID, runID)
	if err != nil {
		return nil, Normalize("ListDiagnosticRunEvents", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev models.RunEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.NodeID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, Normalize("ListDiagnosticRunEvents", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, Errorf(KindRemote, "ListDiagnosticRunEvents", "event %s payload: %v", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, Normalize("ListDiagnosticRunEvents", rows.Err())
}
