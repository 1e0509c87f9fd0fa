package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fieldops/core/models"
	"fieldops/core/repository"
)

type stubReports struct {
	jobs []string
	err  error
}

func (r *stubReports) Generate(_ context.Context, job *models.Job) (string, error) {
	r.jobs = append(r.jobs, job.ID)
	return "memory://reports/" + job.ID, r.err
}

func newMachineHarness(t *testing.T) (*Machine, *repository.MemoryGateway, *stubReports) {
	t.Helper()
	gw := repository.NewMemoryGateway()
	reports := &stubReports{}
	m, err := New(gw, WithReports(reports))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, gw, reports
}

func createJob(t *testing.T, gw *repository.MemoryGateway) *models.Job {
	t.Helper()
	job, err := gw.CreateJob(context.Background(), &models.Job{CustomerID: "cust-1", Description: "No heat"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestTakeClosesInShopTimer(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.StartTimer("tech-1")

	got, err := m.Take(ctx, job.ID, "tech-1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got.Status != models.JobStatusOnTheWay {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TechID != "tech-1" {
		t.Fatalf("tech = %q", got.TechID)
	}
	timers := gw.Timers("tech-1")
	if len(timers) != 1 || timers[0].EndedAt == nil {
		t.Fatalf("timer not closed: %+v", timers)
	}
}

func TestArriveDefaultsToDiagnostics(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)

	if _, err := m.Take(ctx, job.ID, ""); err != nil {
		t.Fatalf("Take: %v", err)
	}
	got, err := m.Arrive(ctx, job.ID)
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if got.Status != models.JobStatusOnSiteDiagnostics {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ArrivedAt == nil {
		t.Fatal("arrived_at not set")
	}
}

func TestPauseResumeRestoresStatus(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)

	for _, from := range []models.JobStatus{
		models.JobStatusOnTheWay,
		models.JobStatusOnSiteDiagnostics,
		models.JobStatusOnSiteRepair,
	} {
		job := createJob(t, gw)
		if err := gw.SetJobStatus(ctx, job.ID, from, models.JobStatusOptions{}); err != nil {
			t.Fatalf("SetJobStatus: %v", err)
		}

		paused, err := m.Pause(ctx, job.ID, "waiting on customer")
		if err != nil {
			t.Fatalf("Pause from %s: %v", from, err)
		}
		if paused.LastActiveStatus == nil || *paused.LastActiveStatus != from {
			t.Fatalf("last_active_status = %v, want %s", paused.LastActiveStatus, from)
		}

		resumed, err := m.Resume(ctx, job.ID)
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if resumed.Status != from {
			t.Fatalf("resumed to %s, want %s", resumed.Status, from)
		}
		if resumed.LastActiveStatus != nil {
			t.Fatalf("last_active_status not consumed: %s", *resumed.LastActiveStatus)
		}
	}
}

func TestPauseRequiresReason(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.SetJobStatus(ctx, job.ID, models.JobStatusOnTheWay, models.JobStatusOptions{})

	_, err := m.Pause(ctx, job.ID, "   ")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "reason" {
		t.Fatalf("err = %v, want reason validation error", err)
	}
	got, _ := gw.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusOnTheWay {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestArriveAfterPauseReturnsToLastOnSiteStatus(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.SetJobStatus(ctx, job.ID, models.JobStatusOnSiteRepair, models.JobStatusOptions{})

	if _, err := m.Pause(ctx, job.ID, "parts run"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, err := m.Arrive(ctx, job.ID)
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if got.Status != models.JobStatusOnSiteRepair {
		t.Fatalf("status = %s, want on_site_repair", got.Status)
	}
}

func TestEnterOnSiteOnlyFromOnSite(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)

	if _, err := m.EnterOnSite(ctx, job.ID, models.JobStatusOnSiteRepair); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	gw.SetJobStatus(ctx, job.ID, models.JobStatusOnSiteDiagnostics, models.JobStatusOptions{})
	got, err := m.EnterOnSite(ctx, job.ID, models.JobStatusOnSiteRepair)
	if err != nil {
		t.Fatalf("EnterOnSite: %v", err)
	}
	if got.Status != models.JobStatusOnSiteRepair {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := m.EnterOnSite(ctx, job.ID, models.JobStatusFinished); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestFinishValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   FinishRequest
		field string
	}{
		{"no job", FinishRequest{RepairDescription: "x"}, "job_id"},
		{"no description", FinishRequest{JobID: "j1", RepairDescription: " "}, "repair_description"},
		{"unchecked item", FinishRequest{
			JobID:             "j1",
			RepairDescription: "x",
			Checklist:         []ChecklistItem{{Label: "Area clean", Checked: true}, {Label: "Customer signed"}},
		}, "checklist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("err = %v, want validation error on %s", err, tt.field)
			}
		})
	}
}

func TestFinishAppendsNarrativeAndGeneratesReport(t *testing.T) {
	ctx := context.Background()
	m, gw, reports := newMachineHarness(t)
	job := createJob(t, gw)
	gw.SetJobStatus(ctx, job.ID, models.JobStatusOnSiteRepair, models.JobStatusOptions{})

	req := FinishRequest{
		JobID:             job.ID,
		RepairDescription: "Replaced gas valve",
		Checklist:         []ChecklistItem{{Label: "Area clean", Checked: true}},
		MiscParts:         []models.MiscPart{{Description: "wire nut", Qty: 3}, {Description: "gasket", Qty: 1, UnitPrice: 3.5}},
	}
	got, err := m.Finish(ctx, req)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got.Status != models.JobStatusFinished || got.FinishedAt == nil {
		t.Fatalf("status = %s finished_at = %v", got.Status, got.FinishedAt)
	}
	if got.RepairDescription != "Replaced gas valve" {
		t.Fatalf("repair description = %q", got.RepairDescription)
	}
	want := "No heat\n\nNon-inventory parts:\n- 3 x wire nut\n- 1 x gasket @ 3.50"
	if got.Description != want {
		t.Fatalf("description = %q, want %q", got.Description, want)
	}
	if len(reports.jobs) != 1 || reports.jobs[0] != job.ID {
		t.Fatalf("reports = %v", reports.jobs)
	}

	// replay leaves the job alone
	again, err := m.Finish(ctx, req)
	if err != nil {
		t.Fatalf("Finish replay: %v", err)
	}
	if strings.Count(again.Description, "Non-inventory parts") != 1 {
		t.Fatalf("narrative duplicated: %q", again.Description)
	}
	if len(reports.jobs) != 1 {
		t.Fatalf("report regenerated on replay")
	}
}

func TestFinishSucceedsWhenReportFails(t *testing.T) {
	ctx := context.Background()
	m, gw, reports := newMachineHarness(t)
	reports.err = errors.New("object store down")
	job := createJob(t, gw)
	gw.SetJobStatus(ctx, job.ID, models.JobStatusOnSiteRepair, models.JobStatusOptions{})

	got, err := m.Finish(ctx, FinishRequest{JobID: job.ID, RepairDescription: "done"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got.Status != models.JobStatusFinished {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestFinishRejectedFromOpen(t *testing.T) {
	ctx := context.Background()
	m, gw, reports := newMachineHarness(t)
	job := createJob(t, gw)

	_, err := m.Finish(ctx, FinishRequest{JobID: job.ID, RepairDescription: "done"})
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.From != models.JobStatusOpen {
		t.Fatalf("err = %v, want transition error from open", err)
	}
	if len(reports.jobs) != 0 {
		t.Fatal("report generated for rejected finish")
	}
}

func TestInvoiceOfficeOnly(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.SetJobStatus(ctx, job.ID, models.JobStatusFinished, models.JobStatusOptions{})

	if _, err := m.Invoice(ctx, job.ID, RoleTechnician); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	got, err := m.Invoice(ctx, job.ID, RoleOffice)
	if err != nil {
		t.Fatalf("Invoice: %v", err)
	}
	if got.Status != models.JobStatusInvoiced {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := m.Cancel(ctx, job.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after invoice: %v", err)
	}
	events, _ := gw.ListJobStatusEvents(ctx, job.ID)
	for _, ev := range events {
		if ev.Open() {
			t.Fatalf("open event after invoice: %+v", ev)
		}
	}
}

func TestCancelRecordsReason(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)

	if _, err := m.Cancel(ctx, job.ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	got, err := m.Cancel(ctx, job.ID, "customer fixed it")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.JobStatusCanceled || !strings.Contains(got.OfficeNotes, "customer fixed it") {
		t.Fatalf("job = %+v", got)
	}
}

func TestGatewayFailureLeavesStatus(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.FailNext("SetJobStatus", repository.Errorf(repository.KindRemote, "SetJobStatus", "constraint violated"))

	if _, err := m.Take(ctx, job.ID, ""); err == nil {
		t.Fatal("Take succeeded")
	}
	got, _ := gw.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
}

func TestRejectedTakeKeepsTimerAndAssignment(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.StartTimer("tech-1")
	gw.FailNext("SetJobStatus", repository.Errorf(repository.KindRemote, "SetJobStatus", "constraint violated"))

	if _, err := m.Take(ctx, job.ID, "tech-1"); err == nil {
		t.Fatal("Take succeeded")
	}
	got, _ := gw.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusOpen || got.TechID != "" {
		t.Fatalf("job = %s tech %q, want open and unassigned", got.Status, got.TechID)
	}
	if timers := gw.Timers("tech-1"); timers[0].EndedAt != nil {
		t.Fatalf("timer closed by a rejected take: %+v", timers[0])
	}
}

func TestTakeReplayFinishesTimerAfterStatusApplied(t *testing.T) {
	ctx := context.Background()
	m, gw, _ := newMachineHarness(t)
	job := createJob(t, gw)
	gw.StartTimer("tech-1")
	gw.FailNext("CloseActiveTimer", repository.Errorf(repository.KindUnavailable, "CloseActiveTimer", "connection reset"))

	if _, err := m.Take(ctx, job.ID, "tech-1"); err == nil {
		t.Fatal("Take succeeded")
	}
	if got, _ := gw.GetJob(ctx, job.ID); got.Status != models.JobStatusOnTheWay {
		t.Fatalf("status = %s", got.Status)
	}

	got, err := m.Take(ctx, job.ID, "tech-1")
	if err != nil {
		t.Fatalf("replayed Take: %v", err)
	}
	if got.TechID != "tech-1" {
		t.Fatalf("tech = %q", got.TechID)
	}
	if timers := gw.Timers("tech-1"); timers[0].EndedAt == nil {
		t.Fatalf("timer still open after replay: %+v", timers[0])
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusOpen, models.JobStatusOnTheWay, true},
		{models.JobStatusOpen, models.JobStatusFinished, false},
		{models.JobStatusOnSiteRepair, models.JobStatusOnSiteDiagnostics, true},
		{models.JobStatusFinished, models.JobStatusInvoiced, true},
		{models.JobStatusFinished, models.JobStatusCanceled, true},
		{models.JobStatusInvoiced, models.JobStatusCanceled, false},
		{models.JobStatusCanceled, models.JobStatusOpen, false},
		{models.JobStatusPaused, models.JobStatusFinished, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
