package monitoring

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"fieldops/core/models"
	"fieldops/core/outbox"
	"fieldops/core/repository"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracked(t *testing.T) (*repository.MemoryGateway, *TimeTracker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	gw := repository.NewMemoryGateway(repository.WithMemoryClock(c.now))
	tracker := NewTimeTracker(gw)
	tracker.now = c.now
	return gw, tracker, c
}

func moveTo(t *testing.T, gw *repository.MemoryGateway, jobID string, status models.JobStatus) {
	t.Helper()
	if err := gw.SetJobStatus(context.Background(), jobID, status, models.JobStatusOptions{}); err != nil {
		t.Fatalf("SetJobStatus(%s) failed: %v", status, err)
	}
}

func TestAggregateCountsOpenEventToNow(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	thirty := int64(1800)
	events := []models.JobStatusEvent{
		{JobID: "j1", EventType: models.JobStatusOnTheWay, StartedAt: start, DurationSeconds: &thirty, EndedAt: timep(start.Add(30 * time.Minute))},
		{JobID: "j1", EventType: models.JobStatusOnSiteDiagnostics, StartedAt: start.Add(30 * time.Minute)},
	}

	got := Aggregate("j1", events, start.Add(45*time.Minute))

	if got.Seconds[models.JobStatusOnTheWay] != 1800 {
		t.Errorf("on_the_way: got %d, want 1800", got.Seconds[models.JobStatusOnTheWay])
	}
	if got.Seconds[models.JobStatusOnSiteDiagnostics] != 900 {
		t.Errorf("diagnostics: got %d, want 900", got.Seconds[models.JobStatusOnSiteDiagnostics])
	}
	if got.Total != 2700 {
		t.Errorf("total: got %d, want 2700", got.Total)
	}
	if got.Active == nil || *got.Active != models.JobStatusOnSiteDiagnostics {
		t.Errorf("active: got %v", got.Active)
	}
}

func TestTimeTrackerSumsRepeatedStatuses(t *testing.T) {
	gw, tracker, c := newTracked(t)
	ctx := context.Background()
	if _, err := gw.CreateJob(ctx, &models.Job{ID: "j1"}); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(10 * time.Minute)
	moveTo(t, gw, "j1", models.JobStatusOnSiteRepair)
	c.t = c.t.Add(20 * time.Minute)
	moveTo(t, gw, "j1", models.JobStatusPaused)
	c.t = c.t.Add(time.Hour)
	moveTo(t, gw, "j1", models.JobStatusOnSiteRepair)
	c.t = c.t.Add(5 * time.Minute)

	got, err := tracker.ForJob(ctx, "j1")
	if err != nil {
		t.Fatalf("ForJob failed: %v", err)
	}
	if got.Seconds[models.JobStatusOpen] != 600 {
		t.Errorf("open: got %d, want 600", got.Seconds[models.JobStatusOpen])
	}
	if got.Seconds[models.JobStatusOnSiteRepair] != 1500 {
		t.Errorf("repair: got %d, want 1500", got.Seconds[models.JobStatusOnSiteRepair])
	}
	if got.Seconds[models.JobStatusPaused] != 3600 {
		t.Errorf("paused: got %d, want 3600", got.Seconds[models.JobStatusPaused])
	}
}

func TestJobMonitorFlagsLongPause(t *testing.T) {
	gw, tracker, c := newTracked(t)
	ctx := context.Background()
	for _, id := range []string{"stale", "fresh"} {
		if _, err := gw.CreateJob(ctx, &models.Job{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	moveTo(t, gw, "stale", models.JobStatusPaused)
	c.t = c.t.Add(25 * time.Hour)
	moveTo(t, gw, "fresh", models.JobStatusPaused)
	c.t = c.t.Add(time.Hour)

	jm := NewJobMonitor(gw, tracker, time.Minute, nil)
	stalled, err := jm.Check(ctx)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0].JobID != "stale" {
		t.Fatalf("expected only the stale job, got %+v", stalled)
	}
	if stalled[0].For != 26*time.Hour {
		t.Errorf("expected 26h, got %s", stalled[0].For)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	gw, tracker, c := newTracked(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := gw.CreateJob(ctx, &models.Job{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	c.t = c.t.Add(time.Minute)
	moveTo(t, gw, "b", models.JobStatusOnTheWay)

	store := outbox.NewMemoryStore()
	if _, err := store.Enqueue(ctx, "job.take", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	me := NewMetricsExporter(gw, tracker, store)
	out, err := me.GetPrometheusMetrics(ctx)
	if err != nil {
		t.Fatalf("GetPrometheusMetrics failed: %v", err)
	}
	for _, want := range []string{
		"# TYPE fieldops_jobs gauge",
		`fieldops_jobs{status="open"} 1`,
		`fieldops_jobs{status="on_the_way"} 1`,
		`fieldops_job_status_seconds_total{status="open"} 120`,
		`fieldops_outbox_actions{status="pending"} 1`,
		`fieldops_outbox_actions{status="dead_letter"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q\n%s", want, out)
		}
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), nil, TracingConfig{})
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if clampRatio(2) != 1 || clampRatio(-1) != 0 || clampRatio(0.25) != 0.25 {
		t.Error("clampRatio does not clamp to [0,1]")
	}
}

func timep(t time.Time) *time.Time { return &t }
