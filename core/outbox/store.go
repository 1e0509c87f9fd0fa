package outbox

import (
	"context"
	"encoding/json"
	"errors"

	"fieldops/core/models"
)

// DefaultMaxAttempts is the failed replay count after which an action is dead-lettered.
const DefaultMaxAttempts = 5

var ErrNotFound = errors.New("outbox: queued action not found")

// Store is the local durable queue of deferred mutations. List returns actions in enqueue order.
type Store interface {
	Enqueue(ctx context.Context, action string, payload json.RawMessage) (models.QueuedAction, error)
	List(ctx context.Context) ([]models.QueuedAction, error)
	Get(ctx context.Context, id int64) (models.QueuedAction, error)
	Delete(ctx context.Context, id int64) error
	// RecordFailure counts a failed replay; at maxAttempts the action becomes dead_letter.
	RecordFailure(ctx context.Context, id int64, message string, maxAttempts int) (models.QueuedAction, error)
	// Reset clears the failure count and returns the action to pending.
	Reset(ctx context.Context, id int64) error
}

func failedStatus(attempts, maxAttempts int) models.QueuedActionStatus {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		return models.QueuedDeadLetter
	}
	return models.QueuedPending
}
