package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"fieldops/core/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store keeps job photos and reports in an S3 bucket
type S3Store struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3Store creates a store using the default AWS credential chain
func NewS3Store(ctx context.Context, region, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket is not configured")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
	}, nil
}

// Put uploads file under key and returns its URL
func (s *S3Store) Put(ctx context.Context, key string, file repository.Upload) (string, error) {
	// Request signing needs a seekable body.
	body, ok := file.Body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(file.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read upload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL is the virtual-hosted address of key
func (s *S3Store) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, strings.TrimLeft(key, "/"))
}
