package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultResultKey uniquely identifies a cached default. At most one
// DefaultResult exists per key at all times.
type DefaultResultKey struct {
	DocumentID   string       `json:"document_id"`
	Source       string       `json:"source"`
	ArtifactType ArtifactType `json:"artifact_type"`
}

// DefaultResult is the cached canonical artifact for a shared document,
// shown to any user viewing the document before they request their own
// regeneration. It is created by the first successful shared-document task
// for its key and overwritten by later successes (last write wins). Task
// deletion never touches it.
type DefaultResult struct {
	Key          DefaultResultKey `json:"key"`
	ArtifactPath string           `json:"artifact_path"`
	ImagePaths   []string         `json:"image_paths,omitempty"`

	// TaskID records which task's success was promoted.
	TaskID    uuid.UUID `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDefaultResult builds the cache entry promoted from a successful task.
func NewDefaultResult(task *Task) *DefaultResult {
	return &DefaultResult{
		Key: DefaultResultKey{
			DocumentID:   task.Document.DocumentID,
			Source:       task.Document.Source,
			ArtifactType: task.ArtifactType,
		},
		ArtifactPath: task.ArtifactPath,
		ImagePaths:   task.ImagePaths,
		TaskID:       task.ID,
		CreatedAt:    task.CreatedAt,
	}
}
