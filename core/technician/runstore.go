package technician

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fieldops/core/models"
	"fieldops/core/orchestrator"
	"fieldops/core/repository"
)

// RunReader is the read side a QueuedRunStore falls back to
type RunReader interface {
	GetDiagnosticWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListDiagnosticRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error)
}

// QueuedRunStore routes interpreter writes through the orchestrator so a diagnostic walk keeps
// going offline. It remembers the runs it wrote so reads still answer while the store is unreachable.
type QueuedRunStore struct {
	orch   *orchestrator.Orchestrator
	remote RunReader

	mu    sync.Mutex
	local map[string]models.WorkflowRun
}

func NewQueuedRunStore(orch *orchestrator.Orchestrator, remote RunReader) *QueuedRunStore {
	return &QueuedRunStore{orch: orch, remote: remote, local: make(map[string]models.WorkflowRun)}
}

func (s *QueuedRunStore) CreateDiagnosticWorkflowRun(ctx context.Context, run models.WorkflowRun) (*models.WorkflowRun, error) {
	if run.ID == "" {
		return nil, fmt.Errorf("technician: run id must be assigned before it is queued")
	}
	res, err := s.orch.ExecuteOrQueue(ctx, ActionRunCreate, run)
	if err != nil {
		return nil, err
	}
	if !res.Queued {
		if stored, err := s.remote.GetDiagnosticWorkflowRun(ctx, run.ID); err == nil {
			run = *stored
		}
	}
	s.remember(run)
	return &run, nil
}

func (s *QueuedRunStore) UpdateDiagnosticWorkflowRun(ctx context.Context, id string, update models.RunUpdate) error {
	if _, err := s.orch.ExecuteOrQueue(ctx, ActionRunUpdate, RunUpdatePayload{RunID: id, Update: update}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.local[id]; ok {
		if update.CurrentNodeID != nil {
			run.CurrentNodeID = *update.CurrentNodeID
		}
		if update.Status != nil {
			run.Status = *update.Status
		}
		if update.CompletedAt != nil {
			t := *update.CompletedAt
			run.CompletedAt = &t
		}
		s.local[id] = run
	}
	return nil
}

func (s *QueuedRunStore) GetDiagnosticWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := s.remote.GetDiagnosticWorkflowRun(ctx, id)
	if err == nil {
		s.remember(*run)
		return run, nil
	}
	if !repository.IsUnavailable(err) {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.local[id]; ok {
		return &cached, nil
	}
	return nil, err
}

func (s *QueuedRunStore) CreateDiagnosticRunEvent(ctx context.Context, event models.RunEvent) error {
	_, err := s.orch.ExecuteOrQueue(ctx, ActionRunEvent, event)
	return err
}

// ListDiagnosticRunEvents returns the stored trail followed by events still waiting in the outbox.
func (s *QueuedRunStore) ListDiagnosticRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error) {
	events, err := s.remote.ListDiagnosticRunEvents(ctx, runID)
	if err != nil && !repository.IsUnavailable(err) {
		return nil, err
	}
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
	}

	pending, perr := s.orch.Pending(ctx)
	if perr != nil {
		return nil, fmt.Errorf("list outbox: %w", perr)
	}
	for _, item := range pending {
		if item.Action != ActionRunEvent {
			continue
		}
		var ev models.RunEvent
		if err := json.Unmarshal(item.Payload, &ev); err != nil || ev.RunID != runID || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}
	if err != nil && len(events) == 0 {
		return nil, err
	}
	return events, nil
}

func (s *QueuedRunStore) remember(run models.WorkflowRun) {
	s.mu.Lock()
	s.local[run.ID] = run
	s.mu.Unlock()
}
