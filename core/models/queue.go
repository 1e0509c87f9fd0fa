package models

import (
	"encoding/json"
	"time"
)

// QueuedActionStatus tracks a queued action's retry state
type QueuedActionStatus string

const (
	QueuedPending    QueuedActionStatus = "pending"
	QueuedDeadLetter QueuedActionStatus = "dead_letter"
)

// QueuedAction is a mutation deferred to the local outbox because the remote store was unreachable
type QueuedAction struct {
	ID        int64              `json:"id"`
	Action    string             `json:"action"`
	Payload   json.RawMessage    `json:"payload"`
	Status    QueuedActionStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
