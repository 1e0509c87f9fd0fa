package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fieldops/core/models"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGateway(t *testing.T) (*MemoryGateway, *stepClock) {
	t.Helper()
	clock := &stepClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	return NewMemoryGateway(WithMemoryClock(clock.now)), clock
}

func openEvents(events []models.JobStatusEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Open() {
			n++
		}
	}
	return n
}

func TestSetJobStatusKeepsOneOpenEvent(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGateway(t)

	job, err := g.CreateJob(ctx, &models.Job{CustomerID: "c1"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != models.JobStatusOpen {
		t.Fatalf("status = %s", job.Status)
	}

	steps := []models.JobStatus{
		models.JobStatusOnTheWay,
		models.JobStatusOnSiteDiagnostics,
		models.JobStatusOnSiteRepair,
		models.JobStatusFinished,
	}
	for _, s := range steps {
		clock.advance(90 * time.Second)
		if err := g.SetJobStatus(ctx, job.ID, s, models.JobStatusOptions{}); err != nil {
			t.Fatalf("SetJobStatus(%s): %v", s, err)
		}
		events, _ := g.ListJobStatusEvents(ctx, job.ID)
		if n := openEvents(events); n != 1 {
			t.Fatalf("after %s: %d open events, want 1", s, n)
		}
	}

	events, _ := g.ListJobStatusEvents(ctx, job.ID)
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if d := events[0].DurationSeconds; d == nil || *d != 90 {
		t.Fatalf("first event duration = %v, want 90", d)
	}
}

func TestTerminalStatusClosesWithoutOpening(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGateway(t)
	job, _ := g.CreateJob(ctx, &models.Job{})

	clock.advance(time.Minute)
	if err := g.CancelJob(ctx, job.ID, "customer called off"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	events, _ := g.ListJobStatusEvents(ctx, job.ID)
	if n := openEvents(events); n != 0 {
		t.Fatalf("open events after cancel = %d", n)
	}
	got, _ := g.GetJob(ctx, job.ID)
	if got.CanceledAt == nil || !strings.Contains(got.OfficeNotes, "customer called off") {
		t.Fatalf("cancel not recorded: %+v", got)
	}
	if err := g.CancelJob(ctx, job.ID, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank reason err = %v", err)
	}
}

func TestPauseRecordsLastActiveStatus(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	job, _ := g.CreateJob(ctx, &models.Job{})

	repair := models.JobStatusOnSiteRepair
	_ = g.SetJobStatus(ctx, job.ID, repair, models.JobStatusOptions{})
	if err := g.SetJobStatus(ctx, job.ID, models.JobStatusPaused, models.JobStatusOptions{Notes: "lunch", LastActiveStatus: &repair}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := g.GetJob(ctx, job.ID)
	if got.LastActiveStatus == nil || *got.LastActiveStatus != repair {
		t.Fatalf("last active = %v", got.LastActiveStatus)
	}
	_ = g.SetJobStatus(ctx, job.ID, repair, models.JobStatusOptions{})
	got, _ = g.GetJob(ctx, job.ID)
	if got.LastActiveStatus != nil {
		t.Fatalf("last active should be cleared on resume")
	}
}

func TestCreateRunRejectsSecondInProgress(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	job, _ := g.CreateJob(ctx, &models.Job{})

	first, err := g.CreateDiagnosticWorkflowRun(ctx, models.WorkflowRun{JobID: job.ID, BrandID: "b1", CurrentNodeID: "n1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	again, err := g.CreateDiagnosticWorkflowRun(ctx, models.WorkflowRun{ID: first.ID, JobID: job.ID})
	if err != nil || again.ID != first.ID {
		t.Fatalf("replayed create should return the stored run, got %v %v", again, err)
	}
	if _, err := g.CreateDiagnosticWorkflowRun(ctx, models.WorkflowRun{JobID: job.ID, BrandID: "b1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second run err = %v, want conflict", err)
	}

	done := models.RunStatusCompleted
	if err := g.UpdateDiagnosticWorkflowRun(ctx, first.ID, models.RunUpdate{Status: &done}); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if _, err := g.CreateDiagnosticWorkflowRun(ctx, models.WorkflowRun{JobID: job.ID, BrandID: "b1"}); err != nil {
		t.Fatalf("new run after completion: %v", err)
	}
}

func TestJobPartsMoveTruckStock(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	job, _ := g.CreateJob(ctx, &models.Job{TruckID: "t1"})

	if err := g.UpsertTruckInventory(ctx, models.TruckInventoryItem{TruckID: "t1", ProductID: "valve", Qty: 4}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.UpsertTruckInventory(ctx, models.TruckInventoryItem{TruckID: "t1", ProductID: "valve", Qty: 4}); err != nil {
		t.Fatalf("repeat upsert: %v", err)
	}

	change := models.JobPartChange{JobID: job.ID, TruckID: "t1", ProductID: "valve", Qty: 3}
	if err := g.AddJobPart(ctx, change); err != nil {
		t.Fatalf("AddJobPart: %v", err)
	}
	stock, _ := g.ListTruckInventory(ctx, "t1")
	if len(stock) != 1 || stock[0].Qty != 1 {
		t.Fatalf("truck stock = %+v, want qty 1", stock)
	}

	change.Qty = 2
	if err := g.RemoveJobPart(ctx, change); err != nil {
		t.Fatalf("RemoveJobPart: %v", err)
	}
	parts, _ := g.ListJobParts(ctx, job.ID)
	if len(parts) != 1 || parts[0].Qty != 1 {
		t.Fatalf("job parts = %+v", parts)
	}
	stock, _ = g.ListTruckInventory(ctx, "t1")
	if stock[0].Qty != 3 {
		t.Fatalf("truck qty = %d, want 3", stock[0].Qty)
	}

	change.Qty = 5
	if err := g.RemoveJobPart(ctx, change); !errors.Is(err, ErrValidation) {
		t.Fatalf("over-remove err = %v", err)
	}
}

func TestCloseActiveTimer(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	g.StartTimer("tech-1")

	closed, err := g.CloseActiveTimer(ctx, "tech-1")
	if err != nil || !closed {
		t.Fatalf("CloseActiveTimer = %v, %v", closed, err)
	}
	closed, _ = g.CloseActiveTimer(ctx, "tech-1")
	if closed {
		t.Fatalf("second close should report nothing open")
	}
}

func TestFailNextInjectsOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	g.FailNext("Ping", Errorf(KindUnavailable, "Ping", "offline"))

	if err := g.Ping(ctx); !IsUnavailable(err) {
		t.Fatalf("first ping err = %v", err)
	}
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("second ping err = %v", err)
	}
}
