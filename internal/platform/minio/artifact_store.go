// Package minio implements the artifact.Store boundary against a
// MinIO/S3-compatible object store.
package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Cartesion-product/slide-svc/internal/artifact"
	"github.com/Cartesion-product/slide-svc/internal/config"
	"github.com/Cartesion-product/slide-svc/internal/domain"
)

// ArtifactStore stores generated artifacts in MinIO buckets.
type ArtifactStore struct {
	client  *minio.Client
	buckets artifact.Buckets
	logger  *slog.Logger
}

// NewArtifactStore creates an ArtifactStore from storage configuration.
func NewArtifactStore(cfg config.StorageConfig, logger *slog.Logger) (*ArtifactStore, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	return &ArtifactStore{
		client: client,
		buckets: artifact.Buckets{
			SharedSlides:        cfg.SharedSlidesBucket,
			PersonalSlides:      cfg.PersonalSlidesBucket,
			SharedInfographic:   cfg.SharedInfographicBucket,
			PersonalInfographic: cfg.PersonalInfographicBucket,
		},
		logger: logger.With(slog.String("component", "artifact_store")),
	}, nil
}

// UploadTaskResult uploads the invoker's output files and returns their
// storage paths. The main artifact lands at the task's object prefix;
// slide page images land under the images/ subfolder in page order.
func (s *ArtifactStore) UploadTaskResult(
	ctx context.Context,
	task *domain.Task,
	artifactFile string,
	imageFiles []string,
) (*artifact.UploadedResult, error) {
	bucket := s.buckets.For(task.ArtifactType, task.Document.Ownership)

	if err := s.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	artifactObject := path.Join(artifact.ObjectPrefix(task), filepath.Base(artifactFile))
	if err := s.upload(ctx, bucket, artifactObject, artifactFile); err != nil {
		return nil, err
	}

	result := &artifact.UploadedResult{
		ArtifactPath: artifact.JoinStoragePath(bucket, artifactObject),
	}

	if task.ArtifactType == domain.ArtifactTypeSlides {
		imagePrefix := artifact.ImagePrefix(task)
		for _, imageFile := range imageFiles {
			imageObject := path.Join(imagePrefix, filepath.Base(imageFile))
			if err := s.upload(ctx, bucket, imageObject, imageFile); err != nil {
				return nil, err
			}
			result.ImagePaths = append(result.ImagePaths, artifact.JoinStoragePath(bucket, imageObject))
		}
	}

	return result, nil
}

// Presign turns a "bucket/object" storage path into a time-limited
// download URL.
func (s *ArtifactStore) Presign(
	ctx context.Context,
	storagePath string,
	expiry time.Duration,
) (string, error) {
	bucket, object, err := artifact.SplitStoragePath(storagePath)
	if err != nil {
		return "", err
	}

	signed, err := s.client.PresignedGetObject(ctx, bucket, object, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", storagePath, err)
	}

	return signed.String(), nil
}

// FetchDocument reads a parsed document object ("bucket/object") into
// memory for the generation invoker.
func (s *ArtifactStore) FetchDocument(ctx context.Context, storagePath string) ([]byte, error) {
	bucket, object, err := artifact.SplitStoragePath(storagePath)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document %s: %w", storagePath, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", storagePath, err)
	}

	return data, nil
}

func (s *ArtifactStore) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created bucket", "bucket", bucket)
	return nil
}

func (s *ArtifactStore) upload(ctx context.Context, bucket, object, localPath string) error {
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.FPutObject(ctx, bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		s.logger.Error("upload failed",
			"bucket", bucket,
			"object", object,
			"error", err)
		return fmt.Errorf("%w: %s/%s: %v", artifact.ErrUploadFailed, bucket, object, err)
	}

	s.logger.Debug("uploaded object", "bucket", bucket, "object", object)
	return nil
}

// ensure interface compliance
var _ artifact.Store = (*ArtifactStore)(nil)
