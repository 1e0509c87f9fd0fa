package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldops/core/models"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process Gateway used by tests and offline demos.
// All operations are serialized under one mutex, which makes the paired
// ledger moves and the event close/open atomic.
type MemoryGateway struct {
	mu  sync.Mutex
	now func() time.Time

	jobs        map[string]*models.Job
	events      map[string][]*models.JobStatusEvent
	timers      map[string][]*models.TechTimer
	workflows   []models.DiagnosticWorkflow
	brands      map[string][]models.WorkflowBrand
	nodes       map[string][]models.DiagnosticNode
	edges       map[string][]models.DiagnosticEdge
	runs        map[string]*models.WorkflowRun
	runOrder    []string
	runEvents   map[string][]models.RunEvent
	truckStock  map[string]map[string]*models.TruckInventoryItem
	jobParts    map[string]map[string]*models.JobPart
	attachments map[string][]models.Attachment
	objects     map[string][]byte

	nextEventID int64
	nextTimerID int64
	nextAttID   int64

	// failures injects an error for the named operation; consumed on use
	failures map[string][]error
}

// MemoryOption customizes a MemoryGateway
type MemoryOption func(*MemoryGateway)

// WithMemoryClock injects a deterministic clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewMemoryGateway creates an empty in-memory gateway
func NewMemoryGateway(opts ...MemoryOption) *MemoryGateway {
	g := &MemoryGateway{
		now:         time.Now,
		jobs:        make(map[string]*models.Job),
		events:      make(map[string][]*models.JobStatusEvent),
		timers:      make(map[string][]*models.TechTimer),
		brands:      make(map[string][]models.WorkflowBrand),
		nodes:       make(map[string][]models.DiagnosticNode),
		edges:       make(map[string][]models.DiagnosticEdge),
		runs:        make(map[string]*models.WorkflowRun),
		runEvents:   make(map[string][]models.RunEvent),
		truckStock:  make(map[string]map[string]*models.TruckInventoryItem),
		jobParts:    make(map[string]map[string]*models.JobPart),
		attachments: make(map[string][]models.Attachment),
		objects:     make(map[string][]byte),
		failures:    make(map[string][]error),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FailNext makes the next call of op return err.
func (g *MemoryGateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], err)
}

func (g *MemoryGateway) injected(op string) error {
	queue := g.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	g.failures[op] = queue[1:]
	return err
}

// SeedWorkflow loads a workflow definition with its brands and graphs.
func (g *MemoryGateway) SeedWorkflow(wf models.DiagnosticWorkflow, brands []models.WorkflowBrand, nodes []models.DiagnosticNode, edges []models.DiagnosticEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workflows = append(g.workflows, wf)
	g.brands[wf.ID] = append(g.brands[wf.ID], brands...)
	for _, n := range nodes {
		g.nodes[n.BrandID] = append(g.nodes[n.BrandID], n)
	}
	for _, e := range edges {
		g.edges[e.BrandID] = append(g.edges[e.BrandID], e)
	}
}

// ReplaceGraph swaps a brand's nodes and edges, simulating an edit by the workflow author.
func (g *MemoryGateway) ReplaceGraph(brandID string, nodes []models.DiagnosticNode, edges []models.DiagnosticEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[brandID] = append([]models.DiagnosticNode(nil), nodes...)
	g.edges[brandID] = append([]models.DiagnosticEdge(nil), edges...)
}

// StartTimer opens an in-shop timer for a technician.
func (g *MemoryGateway) StartTimer(techID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextTimerID++
	g.timers[techID] = append(g.timers[techID], &models.TechTimer{ID: g.nextTimerID, TechID: techID, StartedAt: g.now()})
}

// Timers returns a copy of a technician's timers.
func (g *MemoryGateway) Timers(techID string) []models.TechTimer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.TechTimer, 0, len(g.timers[techID]))
	for _, t := range g.timers[techID] {
		out = append(out, *t)
	}
	return out
}

func (g *MemoryGateway) Ping(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.injected("Ping")
}

func (g *MemoryGateway) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListJobs"); err != nil {
		return nil, err
	}
	out := make([]*models.Job, 0, len(g.jobs))
	for _, job := range g.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.TechID != "" && job.TechID != filter.TechID {
			continue
		}
		if filter.TruckID != "" && job.TruckID != filter.TruckID {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (g *MemoryGateway) GetJob(_ context.Context, id string) (*models.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("GetJob"); err != nil {
		return nil, err
	}
	job, ok := g.jobs[id]
	if !ok {
		return nil, Errorf(KindNotFound, "GetJob", "job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

func (g *MemoryGateway) CreateJob(_ context.Context, job *models.Job) (*models.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("CreateJob"); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, Errorf(KindValidation, "CreateJob", "job is required")
	}
	cp := *job
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, exists := g.jobs[cp.ID]; exists {
		// Replayed creates are idempotent on the client-generated id.
		existing := *g.jobs[cp.ID]
		return &existing, nil
	}
	if cp.Status == "" {
		cp.Status = models.JobStatusOpen
	}
	now := g.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	g.jobs[cp.ID] = &cp
	g.openEvent(cp.ID, cp.Status, "", now)
	out := cp
	return &out, nil
}

func (g *MemoryGateway) UpdateJob(_ context.Context, id string, patch JobPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("UpdateJob"); err != nil {
		return err
	}
	job, ok := g.jobs[id]
	if !ok {
		return Errorf(KindNotFound, "UpdateJob", "job %s not found", id)
	}
	patch.apply(job)
	job.UpdatedAt = g.now()
	return nil
}

func (g *MemoryGateway) SetJobStatus(_ context.Context, jobID string, status models.JobStatus, opts models.JobStatusOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("SetJobStatus"); err != nil {
		return err
	}
	return g.setStatusLocked("SetJobStatus", jobID, status, opts)
}

func (g *MemoryGateway) setStatusLocked(op, jobID string, status models.JobStatus, opts models.JobStatusOptions) error {
	if !status.Valid() {
		return Errorf(KindValidation, op, "unknown status %q", status)
	}
	job, ok := g.jobs[jobID]
	if !ok {
		return Errorf(KindNotFound, op, "job %s not found", jobID)
	}
	now := g.now()
	g.closeActive(jobID, now)
	stampStatus(job, status, opts, now)
	if !status.Terminal() {
		g.openEvent(jobID, status, opts.Notes, now)
	}
	return nil
}

func (g *MemoryGateway) CancelJob(_ context.Context, id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("CancelJob"); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return Errorf(KindValidation, "CancelJob", "cancel reason is required")
	}
	if err := g.setStatusLocked("CancelJob", id, models.JobStatusCanceled, models.JobStatusOptions{Notes: reason}); err != nil {
		return err
	}
	job := g.jobs[id]
	job.OfficeNotes = appendLine(job.OfficeNotes, "Canceled: "+reason)
	return nil
}

func (g *MemoryGateway) MarkJobInvoiced(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("MarkJobInvoiced"); err != nil {
		return err
	}
	return g.setStatusLocked("MarkJobInvoiced", id, models.JobStatusInvoiced, models.JobStatusOptions{})
}

func (g *MemoryGateway) closeActive(jobID string, at time.Time) {
	for _, ev := range g.events[jobID] {
		if ev.Open() {
			ev.Close(at)
		}
	}
}

func (g *MemoryGateway) openEvent(jobID string, status models.JobStatus, notes string, at time.Time) {
	g.nextEventID++
	g.events[jobID] = append(g.events[jobID], &models.JobStatusEvent{
		ID:        g.nextEventID,
		JobID:     jobID,
		EventType: status,
		StartedAt: at,
		Notes:     notes,
	})
}

func (g *MemoryGateway) ListJobStatusEvents(_ context.Context, jobID string) ([]models.JobStatusEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.JobStatusEvent, 0, len(g.events[jobID]))
	for _, ev := range g.events[jobID] {
		out = append(out, *ev)
	}
	return out, nil
}

func (g *MemoryGateway) CloseActiveTimer(_ context.Context, techID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("CloseActiveTimer"); err != nil {
		return false, err
	}
	closed := false
	now := g.now()
	for _, t := range g.timers[techID] {
		if t.EndedAt == nil {
			t.EndedAt = &now
			closed = true
		}
	}
	return closed, nil
}

func (g *MemoryGateway) ListDiagnosticWorkflows(_ context.Context) ([]models.DiagnosticWorkflow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListDiagnosticWorkflows"); err != nil {
		return nil, err
	}
	return append([]models.DiagnosticWorkflow(nil), g.workflows...), nil
}

func (g *MemoryGateway) ListDiagnosticWorkflowBrands(_ context.Context, workflowID string) ([]models.WorkflowBrand, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListDiagnosticWorkflowBrands"); err != nil {
		return nil, err
	}
	return append([]models.WorkflowBrand(nil), g.brands[workflowID]...), nil
}

func (g *MemoryGateway) ListDiagnosticNodes(_ context.Context, brandID string) ([]models.DiagnosticNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListDiagnosticNodes"); err != nil {
		return nil, err
	}
	return append([]models.DiagnosticNode(nil), g.nodes[brandID]...), nil
}

func (g *MemoryGateway) ListDiagnosticEdges(_ context.Context, brandID string) ([]models.DiagnosticEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListDiagnosticEdges"); err != nil {
		return nil, err
	}
	return append([]models.DiagnosticEdge(nil), g.edges[brandID]...), nil
}

func (g *MemoryGateway) CreateDiagnosticWorkflowRun(_ context.Context, run models.WorkflowRun) (*models.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("CreateDiagnosticWorkflowRun"); err != nil {
		return nil, err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if existing, ok := g.runs[run.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	for _, id := range g.runOrder {
		other := g.runs[id]
		if other.JobID == run.JobID && other.Status == models.RunStatusInProgress {
			return nil, Errorf(KindConflict, "CreateDiagnosticWorkflowRun", "job %s already has in-progress run %s", run.JobID, other.ID)
		}
	}
	if run.Status == "" {
		run.Status = models.RunStatusInProgress
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = g.now()
	}
	cp := run
	g.runs[run.ID] = &cp
	g.runOrder = append(g.runOrder, run.ID)
	return &run, nil
}

func (g *MemoryGateway) UpdateDiagnosticWorkflowRun(_ context.Context, id string, update models.RunUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("UpdateDiagnosticWorkflowRun"); err != nil {
		return err
	}
	run, ok := g.runs[id]
	if !ok {
		return Errorf(KindNotFound, "UpdateDiagnosticWorkflowRun", "run %s not found", id)
	}
	if update.CurrentNodeID != nil {
		run.CurrentNodeID = *update.CurrentNodeID
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		run.CompletedAt = &at
	}
	return nil
}

func (g *MemoryGateway) GetDiagnosticWorkflowRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[id]
	if !ok {
		return nil, Errorf(KindNotFound, "GetDiagnosticWorkflowRun", "run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (g *MemoryGateway) ListDiagnosticWorkflowRuns(_ context.Context, jobID string) ([]models.WorkflowRun, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.WorkflowRun
	for _, id := range g.runOrder {
		if run := g.runs[id]; run.JobID == jobID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (g *MemoryGateway) CreateDiagnosticRunEvent(_ context.Context, event models.RunEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("CreateDiagnosticRunEvent"); err != nil {
		return err
	}
	if _, ok := g.runs[event.RunID]; !ok {
		return Errorf(KindValidation, "CreateDiagnosticRunEvent", "run %s does not exist", event.RunID)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	for _, existing := range g.runEvents[event.RunID] {
		if existing.ID == event.ID {
			return nil
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = g.now()
	}
	g.runEvents[event.RunID] = append(g.runEvents[event.RunID], event)
	return nil
}

func (g *MemoryGateway) ListDiagnosticRunEvents(_ context.Context, runID string) ([]models.RunEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.RunEvent(nil), g.runEvents[runID]...), nil
}

func (g *MemoryGateway) ListTruckInventory(_ context.Context, truckID string) ([]models.TruckInventoryItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("ListTruckInventory"); err != nil {
		return nil, err
	}
	out := make([]models.TruckInventoryItem, 0, len(g.truckStock[truckID]))
	for _, item := range g.truckStock[truckID] {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (g *MemoryGateway) UpsertTruckInventory(_ context.Context, item models.TruckInventoryItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("UpsertTruckInventory"); err != nil {
		return err
	}
	if item.TruckID == "" || item.ProductID == "" {
		return Errorf(KindValidation, "UpsertTruckInventory", "truck_id and product_id are required")
	}
	stock := g.truckStock[item.TruckID]
	if stock == nil {
		stock = make(map[string]*models.TruckInventoryItem)
		g.truckStock[item.TruckID] = stock
	}
	existing, ok := stock[item.ProductID]
	if !ok {
		cp := item
		cp.UpdatedAt = g.now()
		stock[item.ProductID] = &cp
		return nil
	}
	existing.Qty = item.Qty
	if item.MinQty != nil {
		existing.MinQty = item.MinQty
	}
	if item.Origin != "" {
		existing.Origin = item.Origin
	}
	existing.UpdatedAt = g.now()
	return nil
}

func (g *MemoryGateway) AddJobPart(_ context.Context, change models.JobPartChange) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("AddJobPart"); err != nil {
		return err
	}
	return g.movePart("AddJobPart", change, change.Qty)
}

func (g *MemoryGateway) RemoveJobPart(_ context.Context, change models.JobPartChange) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("RemoveJobPart"); err != nil {
		return err
	}
	return g.movePart("RemoveJobPart", change, -change.Qty)
}

// movePart credits delta units to the job and debits them from the truck.
func (g *MemoryGateway) movePart(op string, change models.JobPartChange, delta int) error {
	if change.Qty <= 0 {
		return Errorf(KindValidation, op, "qty must be positive")
	}
	if _, ok := g.jobs[change.JobID]; !ok {
		return Errorf(KindNotFound, op, "job %s not found", change.JobID)
	}
	parts := g.jobParts[change.JobID]
	if parts == nil {
		parts = make(map[string]*models.JobPart)
		g.jobParts[change.JobID] = parts
	}
	part := parts[change.ProductID]
	current := 0
	if part != nil {
		current = part.Qty
	}
	if current+delta < 0 {
		return Errorf(KindValidation, op, "job %s has only %d of %s", change.JobID, current, change.ProductID)
	}
	stock := g.truckStock[change.TruckID]
	if stock == nil {
		stock = make(map[string]*models.TruckInventoryItem)
		g.truckStock[change.TruckID] = stock
	}
	item := stock[change.ProductID]
	if item == nil {
		item = &models.TruckInventoryItem{TruckID: change.TruckID, ProductID: change.ProductID}
		stock[change.ProductID] = item
	}
	now := g.now()
	item.Qty -= delta
	item.UpdatedAt = now
	if part == nil {
		part = &models.JobPart{JobID: change.JobID, ProductID: change.ProductID, TruckID: change.TruckID}
		parts[change.ProductID] = part
	}
	part.Qty += delta
	part.UpdatedAt = now
	if part.Qty == 0 {
		delete(parts, change.ProductID)
	}
	return nil
}

func (g *MemoryGateway) ListJobParts(_ context.Context, jobID string) ([]models.JobPart, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.JobPart, 0, len(g.jobParts[jobID]))
	for _, p := range g.jobParts[jobID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (g *MemoryGateway) UploadJobPhoto(_ context.Context, file Upload, prefix string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("UploadJobPhoto"); err != nil {
		return "", err
	}
	if file.Body == nil {
		return "", Errorf(KindValidation, "UploadJobPhoto", "file body is required")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file.Body); err != nil {
		return "", Errorf(KindRemote, "UploadJobPhoto", "read upload: %v", err)
	}
	key := objectKey(prefix, file.Name)
	g.objects[key] = buf.Bytes()
	return "memory://" + key, nil
}

// Object returns a stored upload by key.
func (g *MemoryGateway) Object(key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.objects[strings.TrimPrefix(key, "memory://")]
	return b, ok
}

func (g *MemoryGateway) AddAttachment(_ context.Context, attachment models.Attachment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.injected("AddAttachment"); err != nil {
		return err
	}
	if attachment.FileURL == "" {
		return Errorf(KindValidation, "AddAttachment", "file_url is required")
	}
	g.nextAttID++
	attachment.ID = g.nextAttID
	attachment.CreatedAt = g.now()
	g.attachments[attachment.JobID] = append(g.attachments[attachment.JobID], attachment)
	return nil
}

func (g *MemoryGateway) ListAttachments(_ context.Context, jobID string) ([]models.Attachment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.Attachment(nil), g.attachments[jobID]...), nil
}

func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if name == "" {
		name = uuid.NewString()
	}
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", prefix, name)
}

func appendLine(text, line string) string {
	if strings.TrimSpace(text) == "" {
		return line
	}
	return text + "\n" + line
}
