package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/domain"
)

// TaskPage is one page of a task listing, newest first.
type TaskPage struct {
	Tasks []*domain.Task
	Total int
}

// TaskStore defines the interface for persisting tasks.
// Task IDs are unique; Create fails with ErrDuplicate on reuse.
type TaskStore interface {
	// Create persists a new task record.
	Create(ctx context.Context, task *domain.Task) error

	// Get retrieves a task by ID. Returns ErrTaskNotFound if it does
	// not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Update persists the task's current state (status, result pointers,
	// failure reason, timestamps). Returns ErrTaskNotFound if the record
	// has been deleted.
	Update(ctx context.Context, task *domain.Task) error

	// Delete removes the task record entirely. No tombstone is kept.
	// Returns ErrTaskNotFound if the record does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByOwnerAndDocument returns tasks for a (user, document, source)
	// triple ordered by creation time descending. A limit of 0 returns
	// all matching tasks.
	ListByOwnerAndDocument(
		ctx context.Context,
		userID uuid.UUID,
		documentID, source string,
		offset, limit int,
	) (*TaskPage, error)

	// HasUserTask reports whether the user already created a task for the
	// given (document, source, artifact type) key.
	HasUserTask(
		ctx context.Context,
		userID uuid.UUID,
		documentID, source string,
		artifactType domain.ArtifactType,
	) (bool, error)
}

// DefaultResultStore defines the interface for the shared-document result
// cache. Uniqueness of (document id, source, artifact type) is enforced by
// the backing schema.
type DefaultResultStore interface {
	// Get retrieves the cached default for a key, or
	// ErrDefaultResultNotFound on a cache miss.
	Get(ctx context.Context, key domain.DefaultResultKey) (*domain.DefaultResult, error)

	// Upsert writes the cached default for its key, overwriting any
	// previous entry. Last successful write wins.
	Upsert(ctx context.Context, result *domain.DefaultResult) error
}
