package models

import "time"

// JobStatusEvent is an append-only time-in-status log entry.
// At most one event per job has EndedAt == nil (the active event).
type JobStatusEvent struct {
	ID              int64      `json:"id"`
	JobID           string     `json:"job_id"`
	EventType       JobStatus  `json:"event_type"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Open reports whether the event is the job's active event.
func (e JobStatusEvent) Open() bool {
	return e.EndedAt == nil
}

// Close ends the event at the given time and computes its wall-clock duration.
func (e *JobStatusEvent) Close(at time.Time) {
	ended := at
	secs := int64(at.Sub(e.StartedAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	e.EndedAt = &ended
	e.DurationSeconds = &secs
}

// AttachmentType represents the type of job attachment
type AttachmentType string

const (
	AttachmentTypePhoto  AttachmentType = "photo"
	AttachmentTypeReport AttachmentType = "report"
)

// Attachment links a stored file to a job
type Attachment struct {
	ID             int64          `json:"id"`
	JobID          string         `json:"job_id"`
	AttachmentType AttachmentType `json:"attachment_type"`
	FileURL        string         `json:"file_url"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TechTimer is a technician's personal in-shop timer
type TechTimer struct {
	ID        int64      `json:"id"`
	TechID    string     `json:"tech_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
