package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"fieldops/core/models"

	"github.com/google/uuid"
)

func newPostgresGateway(t *testing.T) *PostgresGateway {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := NewDB(dsn)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return NewPostgresGateway(db, "org-"+uuid.NewString(), nil, nil)
}

func TestPostgresStatusFallback(t *testing.T) {
	ctx := context.Background()
	g := newPostgresGateway(t)

	job, err := g.CreateJob(ctx, &models.Job{CustomerID: "c1", HelperIDs: []string{"h1"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, s := range []models.JobStatus{models.JobStatusOnTheWay, models.JobStatusOnSiteDiagnostics, models.JobStatusCanceled} {
		if err := g.SetJobStatus(ctx, job.ID, s, models.JobStatusOptions{}); err != nil {
			t.Fatalf("SetJobStatus(%s): %v", s, err)
		}
	}
	if g.RPCAvailable() {
		t.Fatalf("expected the missing procedure to be detected")
	}

	events, err := g.ListJobStatusEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListJobStatusEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for _, ev := range events {
		if ev.Open() {
			t.Fatalf("event %d still open after cancel", ev.ID)
		}
	}

	got, err := g.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusCanceled || got.ArrivedAt == nil || len(got.HelperIDs) != 1 {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestPostgresOrgScoping(t *testing.T) {
	ctx := context.Background()
	g := newPostgresGateway(t)
	other := NewPostgresGateway(g.db, "org-"+uuid.NewString(), nil, nil)

	job, err := g.CreateJob(ctx, &models.Job{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := other.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org read err = %v, want not found", err)
	}
}

func TestPostgresSingleInProgressRun(t *testing.T) {
	ctx := context.Background()
	g := newPostgresGateway(t)
	job, err := g.CreateJob(ctx, &models.Job{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	run := models.WorkflowRun{JobID: job.ID, WorkflowID: "wf", BrandID: "b", WorkflowVersionHash: "h", CurrentNodeID: "n1"}
	if _, err := g.CreateDiagnosticWorkflowRun(ctx, run); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := g.CreateDiagnosticWorkflowRun(ctx, run); !errors.Is(err, ErrConflict) {
		t.Fatalf("second run err = %v, want conflict", err)
	}
}
