package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldops/core/models"
	"fieldops/core/repository"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// furnaceGraph: pressure check -> (good) end, (bad) replace valve repair -> inspection -> (good) end.
func furnaceGraph() ([]models.DiagnosticNode, []models.DiagnosticEdge) {
	nodes := []models.DiagnosticNode{
		{ID: "check-pressure", BrandID: "acme", Title: "Gas pressure", SortOrder: 1, Data: &models.CheckData{
			Readings: []models.Reading{
				{ID: "inlet", Label: "Inlet pressure", Unit: "inWC", Operator: models.OpBetween, Value: 10, Max: floatp(20)},
			},
			RollupLogic:     models.RollupAllGood,
			GoodExplanation: "pressure in range",
			BadExplanation:  "pressure out of range",
		}},
		{ID: "replace-valve", BrandID: "acme", Title: "Replace gas valve", SortOrder: 2, Data: &models.RepairData{
			StepsMode:          models.StepsCheckbox,
			Steps:              []string{"shut off gas", "swap valve", "leak test"},
			RequireBeforePhoto: true,
		}},
		{ID: "inspect", BrandID: "acme", Title: "Visual inspection", SortOrder: 3, Data: &models.CheckData{}},
		{ID: "done", BrandID: "acme", Title: "Close out", SortOrder: 4, Data: &models.EndData{
			ClosureReasons: []string{"repaired", "no fault found"},
			AllowFollowUp:  true,
		}},
	}
	edges := []models.DiagnosticEdge{
		{ID: "e1", BrandID: "acme", FromNodeID: "check-pressure", ToNodeID: "done", Condition: models.EdgeGood},
		{ID: "e2", BrandID: "acme", FromNodeID: "check-pressure", ToNodeID: "replace-valve", Condition: models.EdgeBad},
		{ID: "e3", BrandID: "acme", FromNodeID: "replace-valve", ToNodeID: "inspect", Condition: models.EdgeNext},
		{ID: "e4", BrandID: "acme", FromNodeID: "inspect", ToNodeID: "done", Condition: models.EdgeGood},
	}
	return nodes, edges
}

type interpreterHarness struct {
	it    *Interpreter
	gw    *repository.MemoryGateway
	clock *fakeClock
	jobID string
}

func newInterpreterHarness(t *testing.T) *interpreterHarness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	gw := repository.NewMemoryGateway(repository.WithMemoryClock(clock.now))
	nodes, edges := furnaceGraph()
	gw.SeedWorkflow(
		models.DiagnosticWorkflow{ID: "furnace", Name: "Furnace no heat"},
		[]models.WorkflowBrand{
			{ID: "acme", WorkflowID: "furnace", Name: "Acme", Status: models.BrandStatusPublished, Version: 3},
			{ID: "draft-brand", WorkflowID: "furnace", Name: "Draft", Status: models.BrandStatusDraft},
		},
		nodes, edges,
	)
	job, err := gw.CreateJob(context.Background(), &models.Job{CustomerID: "cust"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	it, err := New(gw, gw, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new interpreter: %v", err)
	}
	return &interpreterHarness{it: it, gw: gw, clock: clock, jobID: job.ID}
}

func (h *interpreterHarness) start(t *testing.T) *State {
	t.Helper()
	st, err := h.it.Start(context.Background(), StartRequest{JobID: h.jobID, WorkflowID: "furnace", BrandID: "acme"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return st
}

func eventTypes(t *testing.T, gw *repository.MemoryGateway, runID string) []models.RunEventType {
	t.Helper()
	events, err := gw.ListDiagnosticRunEvents(context.Background(), runID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]models.RunEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func TestStartCreatesRunOnFirstNode(t *testing.T) {
	h := newInterpreterHarness(t)
	st := h.start(t)

	if st.Node.ID != "check-pressure" || st.JobStatus() != models.JobStatusOnSiteDiagnostics {
		t.Fatalf("unexpected start node %s", st.Node.ID)
	}
	stored, err := h.gw.GetDiagnosticWorkflowRun(context.Background(), st.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.CurrentNodeID != "check-pressure" || stored.WorkflowVersionHash == "" {
		t.Fatalf("unexpected stored run %+v", stored)
	}
	got := eventTypes(t, h.gw, st.Run.ID)
	if len(got) != 2 || got[0] != models.RunEventWorkflowStarted || got[1] != models.RunEventStepStarted {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestStartRejectsDraftAndEmptyBrands(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	if _, err := h.it.Start(ctx, StartRequest{JobID: h.jobID, WorkflowID: "furnace", BrandID: "draft-brand"}); !errors.Is(err, ErrBrandUnavailable) {
		t.Fatalf("draft brand err = %v", err)
	}

	h.gw.SeedWorkflow(models.DiagnosticWorkflow{ID: "empty"}, []models.WorkflowBrand{
		{ID: "hollow", WorkflowID: "empty", Status: models.BrandStatusPublished},
	}, nil, nil)
	if _, err := h.it.Start(ctx, StartRequest{JobID: h.jobID, WorkflowID: "empty", BrandID: "hollow"}); !errors.Is(err, ErrEmptyWorkflow) {
		t.Fatalf("empty graph err = %v", err)
	}
}

func TestIndeterminateReadingDoesNotAdvance(t *testing.T) {
	h := newInterpreterHarness(t)
	st := h.start(t)

	_, err := h.it.SubmitCheck(context.Background(), st, map[string]string{"inlet": "abc"})
	if !errors.Is(err, ErrIndeterminate) {
		t.Fatalf("err = %v, want indeterminate", err)
	}
	if st.Node.ID != "check-pressure" {
		t.Fatalf("node advanced to %s", st.Node.ID)
	}
	if got := eventTypes(t, h.gw, st.Run.ID); len(got) != 2 {
		t.Fatalf("no events should be recorded, got %v", got)
	}
}

func TestWalkBadPathThroughRepairToEnd(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)

	h.clock.advance(2 * time.Minute)
	step, err := h.it.SubmitCheck(ctx, st, map[string]string{"inlet": "20.01"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if step.Condition != models.EdgeBad || st.Node.ID != "replace-valve" {
		t.Fatalf("expected bad edge to repair, got %s -> %s", step.Condition, st.Node.ID)
	}
	if st.JobStatus() != models.JobStatusOnSiteRepair {
		t.Fatalf("repair node should imply on_site_repair")
	}
	stored, _ := h.gw.GetDiagnosticWorkflowRun(ctx, st.Run.ID)
	if stored.CurrentNodeID != "replace-valve" {
		t.Fatalf("position not persisted: %s", stored.CurrentNodeID)
	}

	if err := h.it.StartRepair(ctx, st); !errors.Is(err, ErrBeforePhotoRequired) {
		t.Fatalf("start without photo err = %v", err)
	}
	if err := h.it.RecordPhoto(ctx, st, PhotoBefore, "memory://before.jpg"); err != nil {
		t.Fatalf("photo: %v", err)
	}
	if _, err := h.it.CompleteRepair(ctx, st); !errors.Is(err, ErrRepairNotStarted) {
		t.Fatalf("complete before start err = %v", err)
	}
	if err := h.it.StartRepair(ctx, st); err != nil {
		t.Fatalf("start repair: %v", err)
	}
	if err := h.it.RecordPart(ctx, st, models.JobPartChange{JobID: h.jobID, TruckID: "t1", ProductID: "valve", Qty: 1}); err != nil {
		t.Fatalf("record part: %v", err)
	}
	h.clock.advance(25 * time.Minute)
	if _, err := h.it.CompleteRepair(ctx, st); err != nil {
		t.Fatalf("complete repair: %v", err)
	}
	if st.Node.ID != "inspect" {
		t.Fatalf("expected inspect, got %s", st.Node.ID)
	}

	if _, err := h.it.SubmitCheck(ctx, st, nil); !errors.Is(err, ErrManualMarkNotAllowed) {
		t.Fatalf("submit on zero-reading check err = %v", err)
	}
	if _, err := h.it.ManualMark(ctx, st, true); err != nil {
		t.Fatalf("manual mark: %v", err)
	}
	if st.Node.Type() != models.NodeTypeEnd {
		t.Fatalf("expected end node, got %s", st.Node.ID)
	}

	if err := h.it.Close(ctx, st, Closure{}); !errors.Is(err, ErrClosureReasonRequired) {
		t.Fatalf("close without reason err = %v", err)
	}
	if err := h.it.Close(ctx, st, Closure{Reason: "repaired", Resolved: true}); err != nil {
		t.Fatalf("close: %v", err)
	}
	stored, _ = h.gw.GetDiagnosticWorkflowRun(ctx, st.Run.ID)
	if stored.Status != models.RunStatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("run not completed: %+v", stored)
	}

	events, _ := h.gw.ListDiagnosticRunEvents(ctx, st.Run.ID)
	var repairSecs any
	for _, ev := range events {
		if ev.EventType == models.RunEventRepairCompleted {
			repairSecs = ev.Payload["duration_seconds"]
		}
	}
	if repairSecs != int64(1500) {
		t.Fatalf("repair duration = %v, want 1500", repairSecs)
	}
	last := events[len(events)-1]
	if last.EventType != models.RunEventWorkflowCompleted || last.Payload["resolved"] != true {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestExhaustedBranchIsNotAnError(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)
	if _, err := h.it.SubmitCheck(ctx, st, map[string]string{"inlet": "5"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = h.it.RecordPhoto(ctx, st, PhotoBefore, "u")
	_ = h.it.StartRepair(ctx, st)
	if _, err := h.it.CompleteRepair(ctx, st); err != nil {
		t.Fatalf("complete repair: %v", err)
	}

	step, err := h.it.ManualMark(ctx, st, false)
	if err != nil {
		t.Fatalf("manual mark: %v", err)
	}
	if !step.Exhausted || !st.Exhausted || st.Node.ID != "inspect" {
		t.Fatalf("expected exhausted at inspect, got %+v", step)
	}

	fresh, err := h.it.Restart(ctx, st)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fresh.Run.ID == st.Run.ID || fresh.Node.ID != "check-pressure" {
		t.Fatalf("unexpected restarted state %+v", fresh.Run)
	}
	if !st.Completed() {
		t.Fatalf("abandoned run should be completed")
	}
}

func TestCreateThenResumeRestoresPosition(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)

	resumed, err := h.it.Resume(ctx, st.Run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Node.ID != st.Run.CurrentNodeID || resumed.GraphChanged {
		t.Fatalf("resume mismatch: %s changed=%v", resumed.Node.ID, resumed.GraphChanged)
	}

	if _, err := h.it.SubmitCheck(ctx, resumed, map[string]string{"inlet": "3"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := h.it.Resume(ctx, st.Run.ID)
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if again.Node.ID != "replace-valve" {
		t.Fatalf("expected replace-valve, got %s", again.Node.ID)
	}
}

func TestResumeReportsGraphDrift(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)

	nodes, edges := furnaceGraph()
	nodes[0].Title = "Gas pressure (revised)"
	h.gw.ReplaceGraph("acme", nodes, edges)
	resumed, err := h.it.Resume(ctx, st.Run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.GraphChanged {
		t.Fatalf("expected graph drift to be reported")
	}

	h.gw.ReplaceGraph("acme", nodes[1:], edges[2:])
	if _, err := h.it.Resume(ctx, st.Run.ID); !errors.Is(err, ErrNodeMissing) {
		t.Fatalf("missing node err = %v", err)
	}
}

func TestResumeMidRepairKeepsProgress(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)
	if _, err := h.it.SubmitCheck(ctx, st, map[string]string{"inlet": "3"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	stepStarted := h.clock.now()
	h.clock.advance(time.Minute)
	if err := h.it.RecordPhoto(ctx, st, PhotoBefore, "memory://before.jpg"); err != nil {
		t.Fatalf("photo: %v", err)
	}
	h.clock.advance(time.Minute)
	if err := h.it.StartRepair(ctx, st); err != nil {
		t.Fatalf("start repair: %v", err)
	}
	h.clock.advance(10 * time.Minute)

	resumed, err := h.it.Resume(ctx, st.Run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Node.ID != "replace-valve" || !resumed.BeforePhoto || resumed.AfterPhoto {
		t.Fatalf("resumed node=%s before=%v after=%v", resumed.Node.ID, resumed.BeforePhoto, resumed.AfterPhoto)
	}
	if resumed.RepairStartedAt == nil || !resumed.StepStartedAt.Equal(stepStarted) {
		t.Fatalf("repair started %v, step started %v", resumed.RepairStartedAt, resumed.StepStartedAt)
	}

	step, err := h.it.CompleteRepair(ctx, resumed)
	if err != nil {
		t.Fatalf("complete repair after resume: %v", err)
	}
	if step.Node.ID != "inspect" {
		t.Fatalf("next node = %s", step.Node.ID)
	}
	events, _ := h.gw.ListDiagnosticRunEvents(ctx, st.Run.ID)
	var started, completed int
	for _, ev := range events {
		switch ev.EventType {
		case models.RunEventRepairStarted:
			started++
		case models.RunEventRepairCompleted:
			completed++
			if d, _ := ev.Payload["duration_seconds"].(int64); d != 600 {
				t.Fatalf("repair duration = %v, want 600", ev.Payload["duration_seconds"])
			}
		}
	}
	if started != 1 || completed != 1 {
		t.Fatalf("repair_started=%d repair_completed=%d", started, completed)
	}
}

func TestResumeOnFreshNodeStartsClock(t *testing.T) {
	h := newInterpreterHarness(t)
	ctx := context.Background()
	st := h.start(t)
	if _, err := h.it.SubmitCheck(ctx, st, map[string]string{"inlet": "3"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resumed, err := h.it.Resume(ctx, st.Run.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RepairStartedAt != nil || resumed.BeforePhoto {
		t.Fatalf("no repair progress expected, got %+v", resumed)
	}
	if err := h.it.StartRepair(ctx, resumed); !errors.Is(err, ErrBeforePhotoRequired) {
		t.Fatalf("start repair err = %v", err)
	}
}

func TestVersionHashIgnoresOrder(t *testing.T) {
	nodes, edges := furnaceGraph()
	a := VersionHash(nodes, edges)
	reversed := []models.DiagnosticNode{nodes[3], nodes[2], nodes[1], nodes[0]}
	if b := VersionHash(reversed, []models.DiagnosticEdge{edges[1], edges[0], edges[3], edges[2]}); a != b {
		t.Fatalf("hash depends on order")
	}
	nodes[1].Repair().RequireAfterPhoto = true
	if VersionHash(nodes, edges) == a {
		t.Fatalf("hash should change with node data")
	}
}

func TestNewGraphRejectsDuplicateCondition(t *testing.T) {
	nodes, edges := furnaceGraph()
	edges = append(edges, models.DiagnosticEdge{ID: "dup", FromNodeID: "check-pressure", ToNodeID: "inspect", Condition: models.EdgeGood})
	if _, err := NewGraph("acme", nodes, edges); err == nil {
		t.Fatalf("expected duplicate good edge to be rejected")
	}
}
