package monitoring

import (
	"context"
	"time"

	"fieldops/core/logger"
	"fieldops/core/models"
)

// JobLister lists jobs by filter
type JobLister interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

// StalledJob is a job that has sat in one status past its threshold
type StalledJob struct {
	JobID  string
	Status models.JobStatus
	Since  time.Time
	For    time.Duration
}

// JobMonitor watches for jobs left paused or on site for too long
type JobMonitor struct {
	jobs       JobLister
	tracker    *TimeTracker
	thresholds map[models.JobStatus]time.Duration
	interval   time.Duration
	log        *logger.Logger
}

// DefaultThresholds flag a pause longer than a day and an on-site visit longer than eight hours.
func DefaultThresholds() map[models.JobStatus]time.Duration {
	return map[models.JobStatus]time.Duration{
		models.JobStatusPaused:            24 * time.Hour,
		models.JobStatusOnSiteDiagnostics: 8 * time.Hour,
		models.JobStatusOnSiteRepair:      8 * time.Hour,
	}
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(jobs JobLister, tracker *TimeTracker, interval time.Duration, log *logger.Logger) *JobMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &JobMonitor{
		jobs:       jobs,
		tracker:    tracker,
		thresholds: DefaultThresholds(),
		interval:   interval,
		log:        log.With("component", "job_monitor"),
	}
}

// Start starts the job monitoring loop
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := jm.Check(ctx); err != nil {
				jm.log.Warn("job monitor pass failed", "error", err)
			}
		}
	}
}

// Check lists every job in a watched status and reports those past their threshold.
func (jm *JobMonitor) Check(ctx context.Context) ([]StalledJob, error) {
	var stalled []StalledJob
	for status, limit := range jm.thresholds {
		jobs, err := jm.jobs.ListJobs(ctx, models.JobFilter{Status: &status})
		if err != nil {
			return stalled, err
		}
		for _, job := range jobs {
			tis, err := jm.tracker.ForJob(ctx, job.ID)
			if err != nil {
				return stalled, err
			}
			if tis.Active == nil || *tis.Active != status {
				continue
			}
			elapsed := jm.tracker.now().Sub(*tis.ActiveSince)
			if elapsed < limit {
				continue
			}
			stalled = append(stalled, StalledJob{JobID: job.ID, Status: status, Since: *tis.ActiveSince, For: elapsed})
			jm.log.Warn("job stalled", "job_id", job.ID, "status", status, "for", elapsed.Round(time.Minute).String())
		}
	}
	return stalled, nil
}
