// Package storage keeps model artifacts in an S3-compatible object store and
// hands out presigned download URLs for edge agents.
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStoreConfig holds object store connection settings.
type ArtifactStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// ArtifactStore wraps the MinIO client with the orchestrator's bucket
// conventions.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

// NewArtifactStore creates an artifact store for the configured bucket.
func NewArtifactStore(cfg ArtifactStoreConfig) (*ArtifactStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	log.Printf("Artifact store initialized (endpoint: %s, bucket: %s)", cfg.Endpoint, cfg.Bucket)
	return &ArtifactStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the artifact bucket if it doesn't exist.
func (s *ArtifactStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		log.Printf("Creating artifact bucket: %s", s.bucket)
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// UploadModel stores a model artifact under the given object key and returns
// its size.
func (s *ArtifactStore) UploadModel(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (int64, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return 0, err
	}

	info, err := s.client.PutObject(ctx, s.bucket, objectKey, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload artifact: %w", err)
	}

	log.Printf("Artifact uploaded: %s/%s (size: %d bytes, etag: %s)", s.bucket, objectKey, info.Size, info.ETag)
	return info.Size, nil
}

// PresignedDownloadURL returns a time-limited download URL for the artifact.
// Edge agents fetch the model with this URL, so the object store never sees
// edge credentials.
func (s *ArtifactStore) PresignedDownloadURL(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, 1*time.Hour, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign artifact URL: %w", err)
	}
	return u.String(), nil
}

// DeleteArtifact removes an artifact object. Used only by operators cleaning
// up failed imports; released artifacts are never deleted.
func (s *ArtifactStore) DeleteArtifact(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	log.Printf("Artifact deleted: %s/%s", s.bucket, objectKey)
	return nil
}
