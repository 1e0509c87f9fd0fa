package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fieldops/core/models"
)

// MemoryStore is a non-durable Store for tests and ephemeral sessions
type MemoryStore struct {
	mu     sync.Mutex
	items  []models.QueuedAction
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Enqueue(_ context.Context, action string, payload json.RawMessage) (models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item := models.QueuedAction{
		ID:        s.nextID,
		Action:    action,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    models.QueuedPending,
		CreatedAt: s.now(),
	}
	s.items = append(s.items, item)
	return item, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueuedAction(nil), s.items...), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return models.QueuedAction{}, ErrNotFound
	}
	return s.items[i], nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id int64, message string, maxAttempts int) (models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return models.QueuedAction{}, ErrNotFound
	}
	item := &s.items[i]
	item.Attempts++
	item.LastError = message
	item.Status = failedStatus(item.Attempts, maxAttempts)
	return *item, nil
}

func (s *MemoryStore) Reset(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	s.items[i].Attempts = 0
	s.items[i].LastError = ""
	s.items[i].Status = models.QueuedPending
	return nil
}

func (s *MemoryStore) index(id int64) int {
	for i, item := range s.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}
