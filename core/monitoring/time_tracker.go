package monitoring

import (
	"context"
	"time"

	"fieldops/core/models"
)

// EventSource lists a job's status events
type EventSource interface {
	ListJobStatusEvents(ctx context.Context, jobID string) ([]models.JobStatusEvent, error)
}

// TimeInStatus is how long a job has spent in each status
type TimeInStatus struct {
	JobID   string                     `json:"job_id"`
	Seconds map[models.JobStatus]int64 `json:"seconds"`
	Total   int64                      `json:"total_seconds"`
	// Active is the status of the job's open event, if any.
	Active      *models.JobStatus `json:"active,omitempty"`
	ActiveSince *time.Time        `json:"active_since,omitempty"`
}

// Aggregate sums closed events by status and counts the open event up to now.
func Aggregate(jobID string, events []models.JobStatusEvent, now time.Time) TimeInStatus {
	out := TimeInStatus{JobID: jobID, Seconds: make(map[models.JobStatus]int64)}
	for _, ev := range events {
		var secs int64
		if ev.Open() {
			secs = int64(now.Sub(ev.StartedAt).Seconds())
			status, since := ev.EventType, ev.StartedAt
			out.Active, out.ActiveSince = &status, &since
		} else if ev.DurationSeconds != nil {
			secs = *ev.DurationSeconds
		}
		if secs < 0 {
			secs = 0
		}
		out.Seconds[ev.EventType] += secs
		out.Total += secs
	}
	return out
}

// TimeTracker computes time-in-status from the gateway's event log
type TimeTracker struct {
	events EventSource
	now    func() time.Time
}

func NewTimeTracker(events EventSource) *TimeTracker {
	return &TimeTracker{events: events, now: time.Now}
}

// ForJob returns the time-in-status of one job
func (t *TimeTracker) ForJob(ctx context.Context, jobID string) (TimeInStatus, error) {
	events, err := t.events.ListJobStatusEvents(ctx, jobID)
	if err != nil {
		return TimeInStatus{}, err
	}
	return Aggregate(jobID, events, t.now()), nil
}
