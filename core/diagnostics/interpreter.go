package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldops/core/logger"
	"fieldops/core/models"

	"github.com/google/uuid"
)

var (
	ErrIndeterminate         = errors.New("diagnostics: readings are incomplete or not numeric")
	ErrBrandUnavailable      = errors.New("diagnostics: brand is not published for this workflow")
	ErrNodeMissing           = errors.New("diagnostics: current node no longer exists in the workflow")
	ErrWrongNodeType         = errors.New("diagnostics: action does not apply to the current node")
	ErrManualMarkNotAllowed  = errors.New("diagnostics: check has readings; submit them instead")
	ErrBeforePhotoRequired   = errors.New("diagnostics: a before photo is required to start the repair")
	ErrAfterPhotoRequired    = errors.New("diagnostics: an after photo is required to complete the repair")
	ErrRepairNotStarted      = errors.New("diagnostics: repair has not been started")
	ErrClosureReasonRequired = errors.New("diagnostics: closure reason is required")
	ErrFollowUpNotAllowed    = errors.New("diagnostics: this outcome does not allow a follow-up")
	ErrRunCompleted          = errors.New("diagnostics: run is already completed")
)

// GraphSource supplies workflow brands and graphs
type GraphSource interface {
	ListDiagnosticWorkflowBrands(ctx context.Context, workflowID string) ([]models.WorkflowBrand, error)
	ListDiagnosticNodes(ctx context.Context, brandID string) ([]models.DiagnosticNode, error)
	ListDiagnosticEdges(ctx context.Context, brandID string) ([]models.DiagnosticEdge, error)
}

// RunStore persists runs and their audit trail
type RunStore interface {
	CreateDiagnosticWorkflowRun(ctx context.Context, run models.WorkflowRun) (*models.WorkflowRun, error)
	UpdateDiagnosticWorkflowRun(ctx context.Context, id string, update models.RunUpdate) error
	GetDiagnosticWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	CreateDiagnosticRunEvent(ctx context.Context, event models.RunEvent) error
	ListDiagnosticRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error)
}

// Interpreter walks diagnostic graphs for jobs
type Interpreter struct {
	graphs GraphSource
	runs   RunStore
	log    *logger.Logger
	clock  func() time.Time
}

// Option customizes the interpreter.
type Option func(*Interpreter)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(it *Interpreter) {
		if clock != nil {
			it.clock = clock
		}
	}
}

// WithLogger sets the interpreter's logger.
func WithLogger(log *logger.Logger) Option {
	return func(it *Interpreter) {
		if log != nil {
			it.log = log
		}
	}
}

// New wires an interpreter to its graph source and run store.
func New(graphs GraphSource, runs RunStore, opts ...Option) (*Interpreter, error) {
	if graphs == nil {
		return nil, fmt.Errorf("diagnostics: graph source is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("diagnostics: run store is required")
	}
	it := &Interpreter{
		graphs: graphs,
		runs:   runs,
		log:    logger.Nop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(it)
	}
	it.log = it.log.With("component", "diagnostics")
	return it, nil
}

// State is the in-memory position of a run in its graph.
type State struct {
	Run   models.WorkflowRun
	Graph *Graph
	Node  models.DiagnosticNode

	StepStartedAt   time.Time
	RepairStartedAt *time.Time
	BeforePhoto     bool
	AfterPhoto      bool

	// Exhausted is set when the last outcome had no matching edge.
	Exhausted bool
	// GraphChanged is set on resume when the live graph hash differs from the run's.
	GraphChanged bool
}

// Completed reports whether the run has been closed.
func (s *State) Completed() bool {
	return s.Run.Status == models.RunStatusCompleted
}

// JobStatus is the job status the current node implies, or "" for end nodes.
func (s *State) JobStatus() models.JobStatus {
	switch s.Node.Type() {
	case models.NodeTypeCheck:
		return models.JobStatusOnSiteDiagnostics
	case models.NodeTypeRepair:
		return models.JobStatusOnSiteRepair
	}
	return ""
}

// StartRequest selects the workflow and brand to run against a job
type StartRequest struct {
	JobID      string
	WorkflowID string
	BrandID    string
	// RunID is optional; set it to make a replayed start idempotent.
	RunID string
}

// Step describes the result of a check or repair step.
type Step struct {
	Condition models.EdgeCondition
	Readings  map[string]*bool
	Node      models.DiagnosticNode
	Exhausted bool
}

func (it *Interpreter) now() time.Time { return it.clock() }

func (it *Interpreter) loadGraph(ctx context.Context, brandID string) (*Graph, error) {
	nodes, err := it.graphs.ListDiagnosticNodes(ctx, brandID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	edges, err := it.graphs.ListDiagnosticEdges(ctx, brandID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	return NewGraph(brandID, nodes, edges)
}

// Start creates a run on the graph's first node.
func (it *Interpreter) Start(ctx context.Context, req StartRequest) (*State, error) {
	brands, err := it.graphs.ListDiagnosticWorkflowBrands(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load brands: %w", err)
	}
	published := false
	for _, b := range brands {
		if b.ID == req.BrandID && b.Status == models.BrandStatusPublished {
			published = true
			break
		}
	}
	if !published {
		return nil, ErrBrandUnavailable
	}

	graph, err := it.loadGraph(ctx, req.BrandID)
	if err != nil {
		return nil, err
	}
	first, err := graph.First()
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := it.now()
	run, err := it.runs.CreateDiagnosticWorkflowRun(ctx, models.WorkflowRun{
		ID:                  runID,
		JobID:               req.JobID,
		WorkflowID:          req.WorkflowID,
		BrandID:             req.BrandID,
		WorkflowVersionHash: graph.Hash(),
		Status:              models.RunStatusInProgress,
		CurrentNodeID:       first.ID,
		StartedAt:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	st := &State{Run: *run, Graph: graph, Node: first, StepStartedAt: now}
	if err := it.emit(ctx, st, models.RunEventWorkflowStarted, map[string]any{
		"workflow_id":  req.WorkflowID,
		"brand_id":     req.BrandID,
		"version_hash": graph.Hash(),
	}); err != nil {
		return nil, err
	}
	if err := it.emit(ctx, st, models.RunEventStepStarted, map[string]any{"node_type": string(first.Type())}); err != nil {
		return nil, err
	}
	it.log.Info("workflow run started", "run_id", run.ID, "job_id", req.JobID, "node_id", first.ID)
	return st, nil
}

// Resume loads a stored run and continues at its current node.
func (it *Interpreter) Resume(ctx context.Context, runID string) (*State, error) {
	run, err := it.runs.GetDiagnosticWorkflowRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return it.ResumeRun(ctx, *run)
}

// ResumeRun rebuilds a state for run against the live graph of its brand. Step timing,
// repair start and photo flags come from the run's event trail for the current node.
func (it *Interpreter) ResumeRun(ctx context.Context, run models.WorkflowRun) (*State, error) {
	graph, err := it.loadGraph(ctx, run.BrandID)
	if err != nil {
		return nil, err
	}
	node, ok := graph.Node(run.CurrentNodeID)
	if !ok {
		return nil, ErrNodeMissing
	}
	events, err := it.runs.ListDiagnosticRunEvents(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load run events: %w", err)
	}
	st := &State{
		Run:           run,
		Graph:         graph,
		Node:          node,
		StepStartedAt: it.now(),
		GraphChanged:  graph.Hash() != run.WorkflowVersionHash,
	}
	replayStep(st, events)
	if st.GraphChanged {
		it.log.Warn("workflow changed since run started", "run_id", run.ID, "stored_hash", run.WorkflowVersionHash, "live_hash", graph.Hash())
	}
	return st, nil
}

// replayStep applies the events recorded since the last step_started on the current node.
func replayStep(st *State, events []models.RunEvent) {
	from := -1
	for i, ev := range events {
		if ev.EventType == models.RunEventStepStarted && ev.NodeID == st.Node.ID {
			from = i
		}
	}
	if from < 0 {
		return
	}
	st.StepStartedAt = events[from].CreatedAt
	for _, ev := range events[from+1:] {
		if ev.NodeID != st.Node.ID {
			continue
		}
		switch ev.EventType {
		case models.RunEventRepairStarted:
			at := ev.CreatedAt
			st.RepairStartedAt = &at
		case models.RunEventPhotoAdded:
			stage, _ := ev.Payload["stage"].(string)
			switch PhotoStage(stage) {
			case PhotoBefore:
				st.BeforePhoto = true
			case PhotoAfter:
				st.AfterPhoto = true
			}
		}
	}
}

// SubmitCheck evaluates readings on the current check node and advances on a determined outcome.
func (it *Interpreter) SubmitCheck(ctx context.Context, st *State, inputs map[string]string) (Step, error) {
	check, err := it.currentCheck(st)
	if err != nil {
		return Step{}, err
	}
	if len(check.Readings) == 0 {
		return Step{}, ErrManualMarkNotAllowed
	}
	res := EvaluateCheck(check, inputs)
	if res.Outcome == nil {
		return Step{Readings: res.Results}, ErrIndeterminate
	}

	if err := it.emit(ctx, st, models.RunEventReadingsRecorded, map[string]any{
		"inputs":  inputs,
		"results": res.Results,
	}); err != nil {
		return Step{}, err
	}
	step, err := it.completeCheck(ctx, st, check, *res.Outcome)
	step.Readings = res.Results
	return step, err
}

// ManualMark records a Good/Bad decision for a check node without readings.
func (it *Interpreter) ManualMark(ctx context.Context, st *State, good bool) (Step, error) {
	check, err := it.currentCheck(st)
	if err != nil {
		return Step{}, err
	}
	if len(check.Readings) > 0 {
		return Step{}, ErrManualMarkNotAllowed
	}
	return it.completeCheck(ctx, st, check, good)
}

func (it *Interpreter) currentCheck(st *State) (*models.CheckData, error) {
	if st.Completed() {
		return nil, ErrRunCompleted
	}
	check := st.Node.Check()
	if check == nil {
		return nil, ErrWrongNodeType
	}
	return check, nil
}

func (it *Interpreter) completeCheck(ctx context.Context, st *State, check *models.CheckData, good bool) (Step, error) {
	cond, explanation := models.EdgeBad, check.BadExplanation
	if good {
		cond, explanation = models.EdgeGood, check.GoodExplanation
	}
	if err := it.emit(ctx, st, models.RunEventStepCompleted, map[string]any{
		"outcome":          string(cond),
		"duration_seconds": it.elapsed(st.StepStartedAt),
		"explanation":      explanation,
	}); err != nil {
		return Step{}, err
	}
	return it.advance(ctx, st, cond)
}

// advance follows cond from the current node, persisting the new position before returning.
func (it *Interpreter) advance(ctx context.Context, st *State, cond models.EdgeCondition) (Step, error) {
	next, ok := st.Graph.Next(st.Node, cond)
	if !ok {
		st.Exhausted = true
		it.log.Info("workflow branch exhausted", "run_id", st.Run.ID, "node_id", st.Node.ID, "condition", cond)
		return Step{Condition: cond, Node: st.Node, Exhausted: true}, nil
	}

	nodeID := next.ID
	if err := it.runs.UpdateDiagnosticWorkflowRun(ctx, st.Run.ID, models.RunUpdate{CurrentNodeID: &nodeID}); err != nil {
		return Step{}, fmt.Errorf("persist position: %w", err)
	}
	st.Run.CurrentNodeID = nodeID
	st.Node = next
	st.Exhausted = false
	st.StepStartedAt = it.now()
	st.RepairStartedAt = nil
	st.BeforePhoto, st.AfterPhoto = false, false

	if err := it.emit(ctx, st, models.RunEventStepStarted, map[string]any{"node_type": string(next.Type())}); err != nil {
		return Step{}, err
	}
	return Step{Condition: cond, Node: next}, nil
}

// PhotoStage tags a repair photo
type PhotoStage string

const (
	PhotoBefore PhotoStage = "before"
	PhotoAfter  PhotoStage = "after"
)

// RecordPhoto logs an uploaded photo against the current step.
func (it *Interpreter) RecordPhoto(ctx context.Context, st *State, stage PhotoStage, url string) error {
	if st.Completed() {
		return ErrRunCompleted
	}
	if err := it.emit(ctx, st, models.RunEventPhotoAdded, map[string]any{"stage": string(stage), "url": url}); err != nil {
		return err
	}
	switch stage {
	case PhotoBefore:
		st.BeforePhoto = true
	case PhotoAfter:
		st.AfterPhoto = true
	}
	return nil
}

// RecordPart logs an inventory part used on the current repair. The ledger move is the caller's.
func (it *Interpreter) RecordPart(ctx context.Context, st *State, change models.JobPartChange) error {
	if _, err := it.currentRepair(st); err != nil {
		return err
	}
	return it.emit(ctx, st, models.RunEventPartAdded, map[string]any{
		"product_id": change.ProductID,
		"truck_id":   change.TruckID,
		"qty":        change.Qty,
	})
}

// RecordNonInventoryPart logs an ad-hoc part that is not stocked.
func (it *Interpreter) RecordNonInventoryPart(ctx context.Context, st *State, part models.MiscPart) error {
	if _, err := it.currentRepair(st); err != nil {
		return err
	}
	if strings.TrimSpace(part.Description) == "" {
		return fmt.Errorf("diagnostics: part description is required")
	}
	return it.emit(ctx, st, models.RunEventNonInventoryPart, map[string]any{
		"description": part.Description,
		"qty":         part.Qty,
		"unit_price":  part.UnitPrice,
	})
}

func (it *Interpreter) currentRepair(st *State) (*models.RepairData, error) {
	if st.Completed() {
		return nil, ErrRunCompleted
	}
	repair := st.Node.Repair()
	if repair == nil {
		return nil, ErrWrongNodeType
	}
	return repair, nil
}

// StartRepair records repair_started, gated on the before photo when the node requires one.
func (it *Interpreter) StartRepair(ctx context.Context, st *State) error {
	repair, err := it.currentRepair(st)
	if err != nil {
		return err
	}
	if repair.RequireBeforePhoto && !st.BeforePhoto {
		return ErrBeforePhotoRequired
	}
	now := it.now()
	if err := it.emit(ctx, st, models.RunEventRepairStarted, nil); err != nil {
		return err
	}
	st.RepairStartedAt = &now
	return nil
}

// CompleteRepair records repair_completed with the elapsed repair time and follows the next edge.
func (it *Interpreter) CompleteRepair(ctx context.Context, st *State) (Step, error) {
	repair, err := it.currentRepair(st)
	if err != nil {
		return Step{}, err
	}
	if st.RepairStartedAt == nil {
		return Step{}, ErrRepairNotStarted
	}
	if repair.RequireAfterPhoto && !st.AfterPhoto {
		return Step{}, ErrAfterPhotoRequired
	}
	if err := it.emit(ctx, st, models.RunEventRepairCompleted, map[string]any{
		"duration_seconds": it.elapsed(*st.RepairStartedAt),
	}); err != nil {
		return Step{}, err
	}
	return it.advance(ctx, st, models.EdgeNext)
}

// Closure is the technician's input on an end node
type Closure struct {
	Reason      string
	Resolved    bool
	FollowUp    bool
	OfficeNotes string
}

// Close completes the run from its end node.
func (it *Interpreter) Close(ctx context.Context, st *State, c Closure) error {
	if st.Completed() {
		return ErrRunCompleted
	}
	end := st.Node.End()
	if end == nil {
		return ErrWrongNodeType
	}
	if strings.TrimSpace(c.Reason) == "" {
		return ErrClosureReasonRequired
	}
	if c.FollowUp && !end.AllowFollowUp {
		return ErrFollowUpNotAllowed
	}
	return it.complete(ctx, st, map[string]any{
		"reason":       c.Reason,
		"resolved":     c.Resolved,
		"follow_up":    c.FollowUp,
		"office_notes": c.OfficeNotes,
	})
}

// Restart abandons an exhausted run and starts a fresh one on the same brand.
func (it *Interpreter) Restart(ctx context.Context, st *State) (*State, error) {
	if !st.Exhausted {
		return nil, fmt.Errorf("diagnostics: only an exhausted run can be restarted")
	}
	if err := it.complete(ctx, st, map[string]any{"exhausted": true, "node_id": st.Node.ID}); err != nil {
		return nil, err
	}
	return it.Start(ctx, StartRequest{JobID: st.Run.JobID, WorkflowID: st.Run.WorkflowID, BrandID: st.Run.BrandID})
}

func (it *Interpreter) complete(ctx context.Context, st *State, payload map[string]any) error {
	now := it.now()
	status := models.RunStatusCompleted
	if err := it.runs.UpdateDiagnosticWorkflowRun(ctx, st.Run.ID, models.RunUpdate{Status: &status, CompletedAt: &now}); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	st.Run.Status = status
	st.Run.CompletedAt = &now
	if err := it.emit(ctx, st, models.RunEventWorkflowCompleted, payload); err != nil {
		return err
	}
	it.log.Info("workflow run completed", "run_id", st.Run.ID, "job_id", st.Run.JobID)
	return nil
}

func (it *Interpreter) emit(ctx context.Context, st *State, eventType models.RunEventType, payload map[string]any) error {
	err := it.runs.CreateDiagnosticRunEvent(ctx, models.RunEvent{
		ID:        uuid.NewString(),
		RunID:     st.Run.ID,
		NodeID:    st.Node.ID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: it.now(),
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}

func (it *Interpreter) elapsed(since time.Time) int64 {
	secs := int64(it.now().Sub(since).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
