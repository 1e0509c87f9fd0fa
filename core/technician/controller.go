package technician

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldops/core/diagnostics"
	"fieldops/core/lifecycle"
	"fieldops/core/logger"
	"fieldops/core/models"
	"fieldops/core/orchestrator"
	"fieldops/core/repository"

	"github.com/google/uuid"
)

var (
	ErrNoJob         = errors.New("technician: no job is open")
	ErrNoRun         = errors.New("technician: no diagnostic run is active")
	ErrRunActive     = errors.New("technician: a diagnostic run is already in progress")
	ErrUploadOffline = errors.New("technician: photos can only be uploaded while online")
)

// Config wires a Controller
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Connectivity orchestrator.Connectivity
	Machine      *lifecycle.Machine
	Gateway      repository.Gateway
	// Graphs serves workflow graphs; usually the catalog so runs work offline. Defaults to Gateway.
	Graphs diagnostics.GraphSource
	Logger *logger.Logger
	Clock  func() time.Time
}

// Controller turns technician actions into lifecycle transitions and diagnostic steps, sending
// every remote write through the orchestrator. Each action holds the device's single writer slot.
type Controller struct {
	orch    *orchestrator.Orchestrator
	conn    orchestrator.Connectivity
	machine *lifecycle.Machine
	gw      repository.Gateway
	it      *diagnostics.Interpreter
	runs    *QueuedRunStore
	session *Session
	log     *logger.Logger
}

func NewController(cfg Config, session *Session) (*Controller, error) {
	if cfg.Orchestrator == nil || cfg.Machine == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("technician: orchestrator, machine and gateway are required")
	}
	if session == nil {
		return nil, fmt.Errorf("technician: session is required")
	}
	if cfg.Connectivity == nil {
		return nil, fmt.Errorf("technician: connectivity source is required")
	}
	if cfg.Graphs == nil {
		cfg.Graphs = cfg.Gateway
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	runs := NewQueuedRunStore(cfg.Orchestrator, cfg.Gateway)
	it, err := diagnostics.New(cfg.Graphs, runs, diagnostics.WithLogger(log), diagnostics.WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	c := &Controller{
		orch:    cfg.Orchestrator,
		conn:    cfg.Connectivity,
		machine: cfg.Machine,
		gw:      cfg.Gateway,
		it:      it,
		runs:    runs,
		session: session,
		log:     log.With("component", "technician"),
	}
	RegisterHandlers(c.orch, c.machine, c.gw)
	c.orch.OnApplied(c.refreshJob)
	return c, nil
}

func (c *Controller) Session() *Session { return c.session }

// refreshJob reloads the open job after remote changes were applied.
func (c *Controller) refreshJob(ctx context.Context) error {
	job := c.session.Job()
	if job == nil {
		return nil
	}
	fresh, err := c.gw.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	c.session.setJob(fresh)
	return nil
}

func (c *Controller) begin() (func(), error) {
	return c.orch.Begin()
}

func (c *Controller) currentJob() (*models.Job, error) {
	job := c.session.Job()
	if job == nil {
		return nil, ErrNoJob
	}
	return job, nil
}

func (c *Controller) currentRun() (*diagnostics.State, error) {
	st := c.session.Run()
	if st == nil {
		return nil, ErrNoRun
	}
	return st, nil
}

// CreateJob creates a job with a client-generated id, so a queued create replays as the same job.
func (c *Controller) CreateJob(ctx context.Context, job models.Job) (*models.Job, orchestrator.Result, error) {
	release, err := c.begin()
	if err != nil {
		return nil, orchestrator.Result{}, err
	}
	defer release()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.JobStatusOpen
	res, err := c.orch.ExecuteOrQueue(ctx, ActionJobCreate, job)
	if err != nil {
		return nil, res, err
	}
	if res.Queued {
		return &job, res, nil
	}
	created, err := c.gw.GetJob(ctx, job.ID)
	return created, res, err
}

// OpenJob makes jobID the session's job and resumes its in-progress run, if any.
func (c *Controller) OpenJob(ctx context.Context, jobID string) (*models.Job, error) {
	release, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := c.gw.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.session.setJob(job)
	c.session.setScreen(ScreenJob)

	runs, err := c.gw.ListDiagnosticWorkflowRuns(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for _, run := range runs {
		if run.Status != models.RunStatusInProgress {
			continue
		}
		st, err := c.it.ResumeRun(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("resume run %s: %w", run.ID, err)
		}
		c.session.setRun(st)
		c.session.setScreen(screenFor(st))
		break
	}
	return c.session.Job(), nil
}

// TakeJob starts driving to the open job.
func (c *Controller) TakeJob(ctx context.Context) (orchestrator.Result, error) {
	return c.transition(ctx, ActionJobTake, func(job *models.Job) any {
		return TakePayload{JobID: job.ID, TechID: c.session.TechID()}
	}, "")
}

// Arrive marks the technician on site.
func (c *Controller) Arrive(ctx context.Context) (orchestrator.Result, error) {
	return c.transition(ctx, ActionJobArrive, func(job *models.Job) any {
		return JobRef{JobID: job.ID}
	}, models.JobStatusOnSiteDiagnostics)
}

// Pause suspends the job; reason is required.
func (c *Controller) Pause(ctx context.Context, reason string) (orchestrator.Result, error) {
	if strings.TrimSpace(reason) == "" {
		return orchestrator.Result{}, &lifecycle.ValidationError{Field: "reason", Message: "is required"}
	}
	return c.transition(ctx, ActionJobPause, func(job *models.Job) any {
		return ReasonPayload{JobID: job.ID, Reason: reason}
	}, models.JobStatusPaused)
}

// Resume continues a paused job.
func (c *Controller) Resume(ctx context.Context) (orchestrator.Result, error) {
	var resumeTo models.JobStatus
	if job := c.session.Job(); job != nil && job.LastActiveStatus != nil {
		resumeTo = *job.LastActiveStatus
	}
	return c.transition(ctx, ActionJobResume, func(job *models.Job) any {
		return JobRef{JobID: job.ID}
	}, resumeTo)
}

// Cancel ends the job; reason is required.
func (c *Controller) Cancel(ctx context.Context, reason string) (orchestrator.Result, error) {
	if strings.TrimSpace(reason) == "" {
		return orchestrator.Result{}, &lifecycle.ValidationError{Field: "reason", Message: "is required"}
	}
	res, err := c.transition(ctx, ActionJobCancel, func(job *models.Job) any {
		return ReasonPayload{JobID: job.ID, Reason: reason}
	}, "")
	if err == nil {
		c.session.clear()
	}
	return res, err
}

// transition sends a job action for the session's job. assumed is the status recorded locally
// when the action is queued.
func (c *Controller) transition(ctx context.Context, action string, payload func(*models.Job) any, assumed models.JobStatus) (orchestrator.Result, error) {
	release, err := c.begin()
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return orchestrator.Result{}, err
	}
	res, err := c.orch.ExecuteOrQueue(ctx, action, payload(job))
	if err != nil {
		return res, err
	}
	if res.Queued && assumed != "" {
		c.session.assumeStatus(assumed)
	}
	return res, nil
}

// StartDiagnostics starts a run of the brand's graph against the session's job.
func (c *Controller) StartDiagnostics(ctx context.Context, workflowID, brandID string) (*diagnostics.State, error) {
	release, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return nil, err
	}
	if st := c.session.Run(); st != nil && !st.Completed() {
		return nil, ErrRunActive
	}
	st, err := c.it.Start(ctx, diagnostics.StartRequest{
		JobID:      job.ID,
		WorkflowID: workflowID,
		BrandID:    brandID,
		RunID:      uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	c.session.setRun(st)
	return st, c.followNode(ctx, job, st)
}

// SubmitReadings evaluates the technician's entries on the current check node.
func (c *Controller) SubmitReadings(ctx context.Context, inputs map[string]string) (diagnostics.Step, error) {
	return c.step(ctx, func(st *diagnostics.State) (diagnostics.Step, error) {
		return c.it.SubmitCheck(ctx, st, inputs)
	})
}

// MarkCheck records a manual Good/Bad on a check node without readings.
func (c *Controller) MarkCheck(ctx context.Context, good bool) (diagnostics.Step, error) {
	return c.step(ctx, func(st *diagnostics.State) (diagnostics.Step, error) {
		return c.it.ManualMark(ctx, st, good)
	})
}

// CompleteRepair finishes the current repair node and follows its next edge.
func (c *Controller) CompleteRepair(ctx context.Context) (diagnostics.Step, error) {
	return c.step(ctx, func(st *diagnostics.State) (diagnostics.Step, error) {
		return c.it.CompleteRepair(ctx, st)
	})
}

func (c *Controller) step(ctx context.Context, fn func(*diagnostics.State) (diagnostics.Step, error)) (diagnostics.Step, error) {
	release, err := c.begin()
	if err != nil {
		return diagnostics.Step{}, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return diagnostics.Step{}, err
	}
	st, err := c.currentRun()
	if err != nil {
		return diagnostics.Step{}, err
	}
	step, err := fn(st)
	if err != nil || step.Exhausted {
		return step, err
	}
	return step, c.followNode(ctx, job, st)
}

// followNode keeps the job status and screen in line with the node the run is on.
func (c *Controller) followNode(ctx context.Context, job *models.Job, st *diagnostics.State) error {
	c.session.setScreen(screenFor(st))
	want := st.JobStatus()
	if want == "" || !c.session.requestSiteStatus(want) {
		return nil
	}
	_, err := c.orch.ExecuteOrQueue(ctx, ActionJobOnSite, OnSitePayload{JobID: job.ID, Status: want})
	return err
}

func screenFor(st *diagnostics.State) Screen {
	switch st.Node.Type() {
	case models.NodeTypeCheck:
		return ScreenDiagnostics
	case models.NodeTypeRepair:
		return ScreenRepair
	}
	return ScreenClosure
}

// StartRepair records the start of the current repair.
func (c *Controller) StartRepair(ctx context.Context) error {
	return c.withRun(func(st *diagnostics.State) error {
		return c.it.StartRepair(ctx, st)
	})
}

// RestartRun abandons an exhausted run and starts over on the same brand.
func (c *Controller) RestartRun(ctx context.Context) (*diagnostics.State, error) {
	release, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return nil, err
	}
	st, err := c.currentRun()
	if err != nil {
		return nil, err
	}
	next, err := c.it.Restart(ctx, st)
	if err != nil {
		return nil, err
	}
	c.session.setRun(next)
	return next, c.followNode(ctx, job, next)
}

// CloseRun completes the run from its end node and returns the technician to the checklist.
func (c *Controller) CloseRun(ctx context.Context, closure diagnostics.Closure) error {
	err := c.withRun(func(st *diagnostics.State) error {
		return c.it.Close(ctx, st, closure)
	})
	if err != nil {
		return err
	}
	c.session.setRun(nil)
	c.session.setScreen(ScreenChecklist)
	return nil
}

func (c *Controller) withRun(fn func(*diagnostics.State) error) error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.currentJob(); err != nil {
		return err
	}
	st, err := c.currentRun()
	if err != nil {
		return err
	}
	return fn(st)
}

// AddPart moves qty units of a stocked product from the truck to the job.
func (c *Controller) AddPart(ctx context.Context, productID string, qty int) (orchestrator.Result, error) {
	return c.movePart(ctx, ActionPartAdd, productID, qty)
}

// RemovePart returns qty units of a product from the job to the truck.
func (c *Controller) RemovePart(ctx context.Context, productID string, qty int) (orchestrator.Result, error) {
	return c.movePart(ctx, ActionPartRemove, productID, qty)
}

func (c *Controller) movePart(ctx context.Context, action, productID string, qty int) (orchestrator.Result, error) {
	if productID == "" {
		return orchestrator.Result{}, &lifecycle.ValidationError{Field: "product_id", Message: "is required"}
	}
	if qty <= 0 {
		return orchestrator.Result{}, &lifecycle.ValidationError{Field: "qty", Message: "must be positive"}
	}
	release, err := c.begin()
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return orchestrator.Result{}, err
	}
	change := models.JobPartChange{JobID: job.ID, TruckID: c.session.truck(job), ProductID: productID, Qty: qty}
	if change.TruckID == "" {
		return orchestrator.Result{}, &lifecycle.ValidationError{Field: "truck_id", Message: "no truck selected"}
	}
	res, err := c.orch.ExecuteOrQueue(ctx, action, change)
	if err != nil {
		return res, err
	}
	if st := c.session.Run(); action == ActionPartAdd && st != nil && st.Node.Repair() != nil {
		if err := c.it.RecordPart(ctx, st, change); err != nil {
			return res, err
		}
	}
	return res, nil
}

// AddMiscPart logs an ad-hoc part. It is listed in the job description when the job is finished.
func (c *Controller) AddMiscPart(ctx context.Context, part models.MiscPart) error {
	if strings.TrimSpace(part.Description) == "" {
		return &lifecycle.ValidationError{Field: "description", Message: "is required"}
	}
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.currentJob(); err != nil {
		return err
	}
	if st := c.session.Run(); st != nil && st.Node.Repair() != nil {
		if err := c.it.RecordNonInventoryPart(ctx, st, part); err != nil {
			return err
		}
	}
	c.session.addMiscPart(part)
	return nil
}

// AddPhoto uploads a job photo, attaches it to the job and logs it on the current repair step.
func (c *Controller) AddPhoto(ctx context.Context, stage diagnostics.PhotoStage, file repository.Upload) (string, error) {
	release, err := c.begin()
	if err != nil {
		return "", err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return "", err
	}
	if !c.conn.Online() {
		return "", ErrUploadOffline
	}
	url, err := c.gw.UploadJobPhoto(ctx, file, "jobs/"+job.ID+"/"+string(stage))
	if err != nil {
		if repository.IsUnavailable(err) {
			c.conn.MarkOffline(err)
		}
		return "", err
	}
	attachment := models.Attachment{JobID: job.ID, AttachmentType: models.AttachmentTypePhoto, FileURL: url}
	if _, err := c.orch.ExecuteOrQueue(ctx, ActionAttachmentAdd, attachment); err != nil {
		return url, err
	}
	if st := c.session.Run(); st != nil && !st.Completed() {
		if err := c.it.RecordPhoto(ctx, st, stage, url); err != nil {
			return url, err
		}
	}
	return url, nil
}

// Finish submits the completion preview. The job, run and screen are cleared once it is applied or queued.
func (c *Controller) Finish(ctx context.Context, repairDescription string, checklist []lifecycle.ChecklistItem) (orchestrator.Result, error) {
	release, err := c.begin()
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer release()

	job, err := c.currentJob()
	if err != nil {
		return orchestrator.Result{}, err
	}
	req := lifecycle.FinishRequest{
		JobID:             job.ID,
		RepairDescription: repairDescription,
		Checklist:         checklist,
		MiscParts:         c.session.misc(),
	}
	if err := req.Validate(); err != nil {
		return orchestrator.Result{}, err
	}
	res, err := c.orch.ExecuteOrQueue(ctx, ActionJobFinish, req)
	if err != nil {
		return res, err
	}
	c.session.clear()
	return res, nil
}

// Sync replays the outbox now.
func (c *Controller) Sync(ctx context.Context) (orchestrator.SyncReport, error) {
	return c.orch.SyncOutbox(ctx)
}
