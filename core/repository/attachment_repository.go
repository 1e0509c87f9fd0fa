package repository

import (
	"context"

	"fieldops/core/models"
)

// UploadJobPhoto stores the file under prefix and returns its URL
func (g *PostgresGateway) UploadJobPhoto(ctx context.Context, file Upload, prefix string) (url string, err error) {
	ctx, end := g.span(ctx, "UploadJobPhoto")
	defer func() { end(err) }()

	if g.objects == nil {
		return "", Errorf(KindRemote, "UploadJobPhoto", "no object store configured")
	}
	if file.Body == nil {
		return "", Errorf(KindValidation, "UploadJobPhoto", "file body is required")
	}
	url, err = g.objects.Put(ctx, objectKey(prefix, file.Name), file)
	if err != nil {
		return "", Normalize("UploadJobPhoto", err)
	}
	return url, nil
}

// AddAttachment links a stored file to a job
func (g *PostgresGateway) AddAttachment(ctx context.Context, attachment models.Attachment) (err error) {
	ctx, end := g.span(ctx, "AddAttachment")
	defer func() { end(err) }()

	if attachment.FileURL == "" {
		return Errorf(KindValidation, "AddAttachment", "file_url is required")
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO job_attachments (org_id, job_id, attachment_type, file_url, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		g.orgID, attachment.JobID, attachment.AttachmentType, attachment.FileURL, g.now())
	return Normalize("AddAttachment", err)
}

// ListAttachments retrieves a job's attachments, newest first
func (g *PostgresGateway) ListAttachments(ctx context.Context, jobID string) (attachments []models.Attachment, err error) {
	ctx, end := g.span(ctx, "ListAttachments")
	defer func() { end(err) }()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, job_id, attachment_type, file_url, created_at
		FROM job_attachments
		WHERE org_id = $1 AND job_id = $2
		ORDER BY created_at DESC`, g.orgID, jobID)
	if err != nil {
		return nil, Normalize("ListAttachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttachmentType, &a.FileURL, &a.CreatedAt); err != nil {
			return nil, Normalize("ListAttachments", err)
		}
		attachments = append(attachments, a)
	}
	return attachments, Normalize("ListAttachments", rows.Err())
}

var (
	_ Gateway = (*PostgresGateway)(nil)
	_ Gateway = (*MemoryGateway)(nil)
)
