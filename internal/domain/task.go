package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ArtifactType identifies what kind of artifact a task generates.
// The two kinds differ only in result shape: slides carry an ordered
// list of per-page image addresses, infographics do not.
type ArtifactType string

// Supported artifact types.
const (
	ArtifactTypeInfographic ArtifactType = "infographic"
	ArtifactTypeSlides      ArtifactType = "slides"
)

// Ownership classifies the document a task is generated from.
type Ownership string

// Possible ownership classes.
const (
	// OwnershipShared marks documents supplied by the system itself.
	// Successful generations for shared documents become the cached
	// default shown to every subsequent viewer.
	OwnershipShared Ownership = "shared"

	// OwnershipPersonal marks documents uploaded by a specific user.
	// Their results are never cached as a shared default.
	OwnershipPersonal Ownership = "personal"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusWaiting TaskStatus = "waiting"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Task titles are fixed by artifact type and not user-supplied.
const (
	TaskTitleInfographic = "Panoramic Infographic"
	TaskTitleSlides      = "Presentation Deck"
)

// Common validation errors for Task.
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyTaskUserID      = errors.New("task user ID cannot be empty")
	ErrEmptyTaskDocumentID  = errors.New("task document ID cannot be empty")
	ErrEmptyTaskSource      = errors.New("task document source cannot be empty")
	ErrInvalidArtifactType  = errors.New("invalid artifact type")
	ErrInvalidOwnership     = errors.New("invalid document ownership class")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
	ErrInvalidTransition    = errors.New("invalid task state transition")
)

// GenerationParams carries free-form generation preferences. The scheduler
// treats them as opaque and passes them through to the invoker.
type GenerationParams struct {
	Style    string `json:"style"`
	Language string `json:"language"`
	Density  string `json:"density"`
}

// DefaultGenerationParams returns the parameter defaults applied when a
// create request omits them.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Style:    "academic",
		Language: "EN",
		Density:  "medium",
	}
}

// DocumentRef identifies the source document of a task.
type DocumentRef struct {
	DocumentID string    `json:"document_id"`
	Source     string    `json:"source"`
	Ownership  Ownership `json:"ownership"`

	// SourcePath is the object address of the already-parsed document
	// handed to the generation invoker.
	SourcePath string `json:"source_path"`
}

// Task represents one generation attempt for a document.
type Task struct {
	ID            uuid.UUID        `json:"id"`
	ArtifactType  ArtifactType     `json:"artifact_type"`
	Document      DocumentRef      `json:"document"`
	UserID        uuid.UUID        `json:"user_id"`
	Title         string           `json:"title"`
	Params        GenerationParams `json:"params"`
	Status        TaskStatus       `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`

	// ArtifactPath is the storage path of the generated artifact,
	// set only on success. ImagePaths is set only for slides.
	ArtifactPath string   `json:"artifact_path,omitempty"`
	ImagePaths   []string `json:"image_paths,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewTask creates a new Task in the waiting state with a generated ID and
// the type-specific fixed title. Returns an error if validation fails.
func NewTask(
	artifactType ArtifactType,
	doc DocumentRef,
	userID uuid.UUID,
	params GenerationParams,
) (*Task, error) {
	task := &Task{
		ID:           uuid.New(),
		ArtifactType: artifactType,
		Document:     doc,
		UserID:       userID,
		Title:        TitleFor(artifactType),
		Params:       params,
		Status:       TaskStatusWaiting,
		CreatedAt:    time.Now().UTC(),
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// TitleFor returns the fixed task title for the given artifact type.
func TitleFor(artifactType ArtifactType) string {
	if artifactType == ArtifactTypeInfographic {
		return TaskTitleInfographic
	}
	return TaskTitleSlides
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.UserID == uuid.Nil {
		return ErrEmptyTaskUserID
	}
	if t.Document.DocumentID == "" {
		return ErrEmptyTaskDocumentID
	}
	if t.Document.Source == "" {
		return ErrEmptyTaskSource
	}
	if !IsValidArtifactType(t.ArtifactType) {
		return ErrInvalidArtifactType
	}
	if !IsValidOwnership(t.Document.Ownership) {
		return ErrInvalidOwnership
	}
	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// MarkRunning transitions the task from waiting to running and records
// the start time. Only the scheduler calls this.
func (t *Task) MarkRunning() error {
	if t.Status != TaskStatusWaiting {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	return nil
}

// MarkSuccess transitions the task to its terminal success state with the
// uploaded result locations. imagePaths is meaningful only for slides.
func (t *Task) MarkSuccess(artifactPath string, imagePaths []string) error {
	if t.Status == TaskStatusSuccess || t.Status == TaskStatusFailed {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	t.Status = TaskStatusSuccess
	t.ArtifactPath = artifactPath
	if t.ArtifactType == ArtifactTypeSlides {
		t.ImagePaths = imagePaths
	}
	t.EndedAt = &now
	return nil
}

// MarkFailed transitions the task to its terminal failed state, recording
// the reason verbatim.
func (t *Task) MarkFailed(reason string) error {
	if t.Status == TaskStatusSuccess || t.Status == TaskStatusFailed {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.FailureReason = reason
	t.EndedAt = &now
	return nil
}

// IsTerminal reports whether the task reached success or failure.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusSuccess || t.Status == TaskStatusFailed
}

// IsValidArtifactType checks if the given type is a supported ArtifactType.
func IsValidArtifactType(at ArtifactType) bool {
	return at == ArtifactTypeInfographic || at == ArtifactTypeSlides
}

// IsValidOwnership checks if the given class is a supported Ownership.
func IsValidOwnership(o Ownership) bool {
	return o == OwnershipShared || o == OwnershipPersonal
}

func isValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusWaiting, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}
