// Package storage wraps the MinIO client for checkpoint artifact mirroring.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"

	"github.com/edulab-ai/model-service/logger"
)

// ArtifactStore uploads checkpoint files into one bucket. It implements
// modelstore.ArtifactUploader.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

// NewArtifactStore wraps an initialized MinIO client.
func NewArtifactStore(client *minio.Client, bucket string) *ArtifactStore {
	return &ArtifactStore{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *ArtifactStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		logger.Infof("creating bucket %s", s.bucket)
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// UploadArtifact uploads one local file under the given object name.
func (s *ArtifactStore) UploadArtifact(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", localPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact %s: %w", localPath, err)
	}

	info, err := s.client.PutObject(ctx, s.bucket, objectName, f, stat.Size(), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	logger.Debugf("uploaded artifact %s/%s (%d bytes)", s.bucket, objectName, info.Size)
	return nil
}

// GetArtifact retrieves an object for reading. The caller closes it.
func (s *ArtifactStore) GetArtifact(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectName, err)
	}
	return object, nil
}

// DeleteArtifact removes one object.
func (s *ArtifactStore) DeleteArtifact(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", objectName, err)
	}
	logger.Debugf("deleted artifact %s/%s", s.bucket, objectName)
	return nil
}

// ListArtifacts lists objects under a prefix.
func (s *ArtifactStore) ListArtifacts(ctx context.Context, prefix string) <-chan minio.ObjectInfo {
	return s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
}
