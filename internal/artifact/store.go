// Package artifact defines the boundary to durable object storage for
// generated artifacts. Results are partitioned into four buckets, one per
// (artifact type, ownership class) pair; shared-document objects are keyed
// by document source and id so every promotion for a document overwrites
// the same location, while personal objects are keyed per user and task.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/Cartesion-product/slide-svc/internal/domain"
)

// Common errors returned by artifact stores.
var (
	// ErrUploadFailed is returned when an artifact upload does not complete.
	ErrUploadFailed = errors.New("artifact upload failed")

	// ErrInvalidStoragePath is returned when a storage path cannot be split
	// into bucket and object components.
	ErrInvalidStoragePath = errors.New("invalid storage path")
)

// UploadedResult holds the storage locations of a task's uploaded output.
// Paths are "bucket/object" strings, resolvable to download URLs via Presign.
type UploadedResult struct {
	ArtifactPath string
	ImagePaths   []string
}

// Store is the boundary to durable object storage.
type Store interface {
	// UploadTaskResult uploads the invoker's local output files for the
	// task and returns their storage paths. imageFiles is meaningful only
	// for slides and preserves page order.
	UploadTaskResult(
		ctx context.Context,
		task *domain.Task,
		artifactFile string,
		imageFiles []string,
	) (*UploadedResult, error)

	// Presign turns a "bucket/object" storage path into a time-limited
	// download URL.
	Presign(ctx context.Context, storagePath string, expiry time.Duration) (string, error)
}

// Buckets maps (artifact type, ownership class) pairs to bucket names.
type Buckets struct {
	SharedSlides        string
	PersonalSlides      string
	SharedInfographic   string
	PersonalInfographic string
}

// For returns the bucket for the given artifact type and ownership class.
func (b Buckets) For(at domain.ArtifactType, o domain.Ownership) string {
	switch {
	case at == domain.ArtifactTypeSlides && o == domain.OwnershipShared:
		return b.SharedSlides
	case at == domain.ArtifactTypeSlides && o == domain.OwnershipPersonal:
		return b.PersonalSlides
	case at == domain.ArtifactTypeInfographic && o == domain.OwnershipShared:
		return b.SharedInfographic
	default:
		return b.PersonalInfographic
	}
}

// ObjectPrefix derives the object key prefix for a task's output files.
// Shared documents share one location per (source, document); personal
// results are isolated per user and task so regenerations never collide.
func ObjectPrefix(task *domain.Task) string {
	if task.Document.Ownership == domain.OwnershipShared {
		return path.Join(task.Document.Source, task.Document.DocumentID)
	}
	return path.Join(task.UserID.String(), task.Document.DocumentID, task.ID.String())
}

// ImagePrefix derives the object key prefix for slide page images.
func ImagePrefix(task *domain.Task) string {
	return path.Join(ObjectPrefix(task), "images")
}

// SplitStoragePath splits a "bucket/object" path into its components.
func SplitStoragePath(storagePath string) (bucket, object string, err error) {
	for i := 0; i < len(storagePath); i++ {
		if storagePath[i] == '/' {
			if i == 0 || i == len(storagePath)-1 {
				break
			}
			return storagePath[:i], storagePath[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidStoragePath, storagePath)
}

// JoinStoragePath builds a "bucket/object" path.
func JoinStoragePath(bucket, object string) string {
	return bucket + "/" + object
}
