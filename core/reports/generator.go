// Package reports renders the job summary attached to a finished job.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"fieldops/core/logger"
	"fieldops/core/models"
	"fieldops/core/monitoring"
	"fieldops/core/repository"
)

// Source is what the generator reads from and writes to
type Source interface {
	ListJobStatusEvents(ctx context.Context, jobID string) ([]models.JobStatusEvent, error)
	ListJobParts(ctx context.Context, jobID string) ([]models.JobPart, error)
	ListDiagnosticWorkflowRuns(ctx context.Context, jobID string) ([]models.WorkflowRun, error)
	UploadJobPhoto(ctx context.Context, file repository.Upload, prefix string) (string, error)
	AddAttachment(ctx context.Context, attachment models.Attachment) error
}

// Generator writes a plain-text job summary and links it to the job
type Generator struct {
	src Source
	log *logger.Logger
	now func() time.Time
}

func NewGenerator(src Source, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{src: src, log: log.With("component", "reports"), now: time.Now}
}

// Generate renders the summary, uploads it under jobs/<id>/reports and returns its URL.
func (g *Generator) Generate(ctx context.Context, job *models.Job) (string, error) {
	body, err := g.Render(ctx, job)
	if err != nil {
		return "", err
	}
	url, err := g.src.UploadJobPhoto(ctx, repository.Upload{
		Name:        fmt.Sprintf("summary-%d.txt", g.now().Unix()),
		ContentType: "text/plain; charset=utf-8",
		Size:        int64(len(body)),
		Body:        bytes.NewReader(body),
	}, "jobs/"+job.ID+"/reports")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	if err := g.src.AddAttachment(ctx, models.Attachment{
		JobID:          job.ID,
		AttachmentType: models.AttachmentTypeReport,
		FileURL:        url,
	}); err != nil {
		return "", fmt.Errorf("attach report: %w", err)
	}
	g.log.Info("job report generated", "job_id", job.ID, "url", url)
	return url, nil
}

// Render builds the report text without storing it.
func (g *Generator) Render(ctx context.Context, job *models.Job) ([]byte, error) {
	events, err := g.src.ListJobStatusEvents(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	parts, err := g.src.ListJobParts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	runs, err := g.src.ListDiagnosticWorkflowRuns(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "Job %s\n", job.ID)
	fmt.Fprintf(&b, "Status: %s\n", job.Status)
	if job.TechID != "" {
		fmt.Fprintf(&b, "Technician: %s\n", job.TechID)
	}
	if len(job.HelperIDs) > 0 {
		fmt.Fprintf(&b, "Helpers: %s\n", strings.Join(job.HelperIDs, ", "))
	}
	if job.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", job.FinishedAt.UTC().Format(time.RFC3339))
	}

	section(&b, "Problem", job.ProblemDescription)
	section(&b, "Repair", job.RepairDescription)
	section(&b, "Notes", job.Description)

	tis := monitoring.Aggregate(job.ID, events, g.now())
	if len(tis.Seconds) > 0 {
		b.WriteString("\nTime in status\n")
		w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		statuses := make([]string, 0, len(tis.Seconds))
		for s := range tis.Seconds {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			d := time.Duration(tis.Seconds[models.JobStatus(s)]) * time.Second
			fmt.Fprintf(w, "  %s\t%s\n", s, d)
		}
		w.Flush()
	}

	if len(parts) > 0 {
		b.WriteString("\nParts used\n")
		for _, p := range parts {
			fmt.Fprintf(&b, "  %d x %s\n", p.Qty, p.ProductID)
		}
	}

	if len(runs) > 0 {
		b.WriteString("\nDiagnostics\n")
		for _, r := range runs {
			fmt.Fprintf(&b, "  %s/%s %s at %s\n", r.WorkflowID, r.BrandID, r.Status, r.CurrentNodeID)
		}
	}
	return b.Bytes(), nil
}

func section(b *bytes.Buffer, title, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintf(b, "\n%s\n%s\n", title, strings.TrimSpace(text))
}
