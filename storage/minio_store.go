package storage

import (
	"context"
	"fmt"
	"strings"

	"fieldops/core/repository"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the object storage connection settings
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base returned to clients; defaults to the endpoint.
	PublicURL string
}

// MinioStore keeps job photos and reports in one MinIO bucket
type MinioStore struct {
	Client *minio.Client
	bucket string
	base   string
}

// NewMinioStore connects to MinIO
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MinIO configuration is incomplete")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("MinIO bucket is not configured")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	base := cfg.PublicURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return &MinioStore{
		Client: client,
		bucket: cfg.Bucket,
		base:   strings.TrimRight(base, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.Client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := m.Client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Put uploads file under key and returns its URL
func (m *MinioStore) Put(ctx context.Context, key string, file repository.Upload) (string, error) {
	size := file.Size
	if size <= 0 {
		size = -1
	}
	opts := minio.PutObjectOptions{ContentType: file.ContentType}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	if _, err := m.Client.PutObject(ctx, m.bucket, key, file.Body, size, opts); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return m.URL(key), nil
}

// URL is the public address of key
func (m *MinioStore) URL(key string) string {
	return m.base + "/" + m.bucket + "/" + strings.TrimLeft(key, "/")
}
