package technician

import (
	"context"

	"fieldops/core/lifecycle"
	"fieldops/core/models"
	"fieldops/core/orchestrator"
	"fieldops/core/repository"
)

// Action keys stored with queued actions. Renaming one strands anything already queued under it.
const (
	ActionJobCreate      = "job.create"
	ActionJobTake        = "job.take"
	ActionJobArrive      = "job.arrive"
	ActionJobOnSite      = "job.on_site"
	ActionJobPause       = "job.pause"
	ActionJobResume      = "job.resume"
	ActionJobFinish      = "job.finish"
	ActionJobCancel      = "job.cancel"
	ActionPartAdd        = "part.add"
	ActionPartRemove     = "part.remove"
	ActionAttachmentAdd  = "attachment.add"
	ActionRunCreate      = "run.create"
	ActionRunUpdate      = "run.update"
	ActionRunEvent       = "run.event"
	ActionInventoryCount = "inventory.upsert"
)

type JobRef struct {
	JobID string `json:"job_id"`
}

type TakePayload struct {
	JobID  string `json:"job_id"`
	TechID string `json:"tech_id,omitempty"`
}

type ReasonPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type OnSitePayload struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

type RunUpdatePayload struct {
	RunID  string           `json:"run_id"`
	Update models.RunUpdate `json:"update"`
}

// RegisterHandlers binds every technician action key to the call that applies it remotely.
// The same handlers serve live calls and outbox replay.
func RegisterHandlers(o *orchestrator.Orchestrator, m *lifecycle.Machine, gw repository.Gateway) {
	o.Register(ActionJobCreate, orchestrator.Typed(func(ctx context.Context, job models.Job) error {
		_, err := gw.CreateJob(ctx, &job)
		return err
	}))
	o.Register(ActionJobTake, orchestrator.Typed(func(ctx context.Context, p TakePayload) error {
		_, err := m.Take(ctx, p.JobID, p.TechID)
		return err
	}))
	o.Register(ActionJobArrive, orchestrator.Typed(func(ctx context.Context, p JobRef) error {
		_, err := m.Arrive(ctx, p.JobID)
		return err
	}))
	o.Register(ActionJobOnSite, orchestrator.Typed(func(ctx context.Context, p OnSitePayload) error {
		_, err := m.EnterOnSite(ctx, p.JobID, p.Status)
		return err
	}))
	o.Register(ActionJobPause, orchestrator.Typed(func(ctx context.Context, p ReasonPayload) error {
		_, err := m.Pause(ctx, p.JobID, p.Reason)
		return err
	}))
	o.Register(ActionJobResume, orchestrator.Typed(func(ctx context.Context, p JobRef) error {
		_, err := m.Resume(ctx, p.JobID)
		return err
	}))
	o.Register(ActionJobFinish, orchestrator.Typed(func(ctx context.Context, req lifecycle.FinishRequest) error {
		_, err := m.Finish(ctx, req)
		return err
	}))
	o.Register(ActionJobCancel, orchestrator.Typed(func(ctx context.Context, p ReasonPayload) error {
		_, err := m.Cancel(ctx, p.JobID, p.Reason)
		return err
	}))

	o.Register(ActionPartAdd, orchestrator.Typed(func(ctx context.Context, change models.JobPartChange) error {
		return gw.AddJobPart(ctx, change)
	}))
	o.Register(ActionPartRemove, orchestrator.Typed(func(ctx context.Context, change models.JobPartChange) error {
		return gw.RemoveJobPart(ctx, change)
	}))
	o.Register(ActionInventoryCount, orchestrator.Typed(func(ctx context.Context, item models.TruckInventoryItem) error {
		return gw.UpsertTruckInventory(ctx, item)
	}))
	o.Register(ActionAttachmentAdd, orchestrator.Typed(func(ctx context.Context, a models.Attachment) error {
		return gw.AddAttachment(ctx, a)
	}), orchestrator.WithoutRefresh())

	o.Register(ActionRunCreate, orchestrator.Typed(func(ctx context.Context, run models.WorkflowRun) error {
		_, err := gw.CreateDiagnosticWorkflowRun(ctx, run)
		return err
	}), orchestrator.WithoutRefresh())
	o.Register(ActionRunUpdate, orchestrator.Typed(func(ctx context.Context, p RunUpdatePayload) error {
		return gw.UpdateDiagnosticWorkflowRun(ctx, p.RunID, p.Update)
	}), orchestrator.WithoutRefresh())
	o.Register(ActionRunEvent, orchestrator.Typed(func(ctx context.Context, ev models.RunEvent) error {
		return gw.CreateDiagnosticRunEvent(ctx, ev)
	}), orchestrator.WithoutRefresh())
}
