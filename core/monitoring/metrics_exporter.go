package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"fieldops/core/models"
)

// QueueSource lists the device's queued actions
type QueueSource interface {
	List(ctx context.Context) ([]models.QueuedAction, error)
}

// MetricsExporter exports metrics for Prometheus/Grafana
type MetricsExporter struct {
	jobs    JobLister
	tracker *TimeTracker
	queue   QueueSource
}

// NewMetricsExporter creates a new metrics exporter. queue may be nil.
func NewMetricsExporter(jobs JobLister, tracker *TimeTracker, queue QueueSource) *MetricsExporter {
	return &MetricsExporter{
		jobs:    jobs,
		tracker: tracker,
		queue:   queue,
	}
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	jobs, err := me.jobs.ListJobs(ctx, models.JobFilter{})
	if err != nil {
		return "", err
	}

	counts := make(map[models.JobStatus]int)
	seconds := make(map[models.JobStatus]int64)
	for _, job := range jobs {
		counts[job.Status]++
		tis, err := me.tracker.ForJob(ctx, job.ID)
		if err != nil {
			return "", err
		}
		for status, s := range tis.Seconds {
			seconds[status] += s
		}
	}

	var b strings.Builder
	b.WriteString("# HELP fieldops_jobs Number of jobs by status\n")
	b.WriteString("# TYPE fieldops_jobs gauge\n")
	for _, status := range sortedStatuses(counts) {
		fmt.Fprintf(&b, "fieldops_jobs{status=%q} %d\n", status, counts[status])
	}

	b.WriteString("# HELP fieldops_job_status_seconds_total Time jobs have spent in each status\n")
	b.WriteString("# TYPE fieldops_job_status_seconds_total counter\n")
	for _, status := range sortedStatuses(seconds) {
		fmt.Fprintf(&b, "fieldops_job_status_seconds_total{status=%q} %d\n", status, seconds[status])
	}

	if me.queue != nil {
		items, err := me.queue.List(ctx)
		if err != nil {
			return "", err
		}
		byStatus := map[models.QueuedActionStatus]int{models.QueuedPending: 0, models.QueuedDeadLetter: 0}
		for _, it := range items {
			byStatus[it.Status]++
		}
		b.WriteString("# HELP fieldops_outbox_actions Queued actions waiting for replay\n")
		b.WriteString("# TYPE fieldops_outbox_actions gauge\n")
		fmt.Fprintf(&b, "fieldops_outbox_actions{status=%q} %d\n", models.QueuedPending, byStatus[models.QueuedPending])
		fmt.Fprintf(&b, "fieldops_outbox_actions{status=%q} %d\n", models.QueuedDeadLetter, byStatus[models.QueuedDeadLetter])
	}
	return b.String(), nil
}

func sortedStatuses[V any](m map[models.JobStatus]V) []models.JobStatus {
	out := make([]models.JobStatus, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
