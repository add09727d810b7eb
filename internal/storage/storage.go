// Package storage persists published artifacts in S3-compatible object
// storage so the bot can serve a link instead of re-downloading on demand.
package storage

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
)

// ArtifactStore wraps a MinIO client scoped to one bucket.
type ArtifactStore struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

// NewArtifactStore connects to MinIO and ensures the bucket exists.
func NewArtifactStore(ctx context.Context, snap *config.Snapshot) (*ArtifactStore, error) {
	client, err := minio.New(snap.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(snap.MinioAccessKey, snap.MinioSecretKey, ""),
		Secure: snap.MinioUseSSL,
	})
	if err != nil {
		return nil, apperrors.StorageError("connecting to object storage").WithCause(err)
	}

	s := &ArtifactStore{
		client: client,
		bucket: snap.MinioBucket,
		log:    logger.Default().WithComponent("storage"),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ArtifactStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperrors.StorageError("checking bucket").WithCause(err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return apperrors.StorageError("creating bucket").WithCause(err)
		}
		s.log.Info(ctx, "created artifact bucket", map[string]interface{}{
			"bucket": s.bucket,
		})
	}
	return nil
}

// Upload stores a local file under key and returns the object size.
func (s *ArtifactStore) Upload(ctx context.Context, key, filePath, contentType string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, apperrors.StorageError("uploading artifact").WithCause(err)
	}
	return info.Size, nil
}

// PresignedURL returns a time-limited download link for a stored artifact.
func (s *ArtifactStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", apperrors.StorageError("signing artifact URL").WithCause(err)
	}
	return u.String(), nil
}

// Remove deletes a stored artifact.
func (s *ArtifactStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.StorageError("removing artifact").WithCause(err)
	}
	return nil
}

// Healthy reports whether the bucket is reachable.
func (s *ArtifactStore) Healthy(ctx context.Context) bool {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err == nil
}
