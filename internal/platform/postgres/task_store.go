package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/platform/logger"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

const taskColumns = `id, artifact_type, document_id, source, ownership, source_path,
	user_id, title, params, status, failure_reason, artifact_path, image_paths,
	created_at, started_at, ended_at`

// Create persists a new task record.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal task params: %w", err)
	}
	images, err := json.Marshal(task.ImagePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal task image paths: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.ArtifactType,
		task.Document.DocumentID,
		task.Document.Source,
		task.Document.Ownership,
		task.Document.SourcePath,
		task.UserID,
		task.Title,
		params,
		task.Status,
		nullString(task.FailureReason),
		nullString(task.ArtifactPath),
		images,
		task.CreatedAt,
		task.StartedAt,
		task.EndedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			"task_id", task.ID,
			"artifact_type", task.ArtifactType,
			"error", err)
		return MapError(err)
	}

	return nil
}

// Get retrieves a task by ID.
func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}

	return task, nil
}

// Update persists the task's current state.
func (s *PostgresTaskStore) Update(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	images, err := json.Marshal(task.ImagePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal task image paths: %w", err)
	}

	query := `
		UPDATE tasks
		SET status = $1, failure_reason = $2, artifact_path = $3,
			image_paths = $4, started_at = $5, ended_at = $6
		WHERE id = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		nullString(task.FailureReason),
		nullString(task.ArtifactPath),
		images,
		task.StartedAt,
		task.EndedAt,
		task.ID,
	)
	if err != nil {
		log.Error("failed to update task",
			"task_id", task.ID,
			"status", task.Status,
			"error", err)
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// The record was deleted while the task was in flight.
		return store.ErrTaskNotFound
	}

	return nil
}

// Delete removes the task record entirely.
func (s *PostgresTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrTaskNotFound
	}

	return nil
}

// ListByOwnerAndDocument returns tasks for a (user, document, source) triple
// ordered by creation time descending.
func (s *PostgresTaskStore) ListByOwnerAndDocument(
	ctx context.Context,
	userID uuid.UUID,
	documentID, source string,
	offset, limit int,
) (*store.TaskPage, error) {
	log := logger.FromContext(ctx)

	countQuery := `
		SELECT COUNT(*) FROM tasks
		WHERE user_id = $1 AND document_id = $2 AND source = $3
	`
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, userID, documentID, source).Scan(&total); err != nil {
		return nil, MapError(err)
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = $1 AND document_id = $2 AND source = $3
		ORDER BY created_at DESC
		OFFSET $4
	`
	args := []any{userID, documentID, source, offset}
	if limit > 0 {
		query += ` LIMIT $5`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to list tasks",
			"user_id", userID,
			"document_id", documentID,
			"error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return &store.TaskPage{Tasks: tasks, Total: total}, nil
}

// HasUserTask reports whether the user already created a task for the given
// (document, source, artifact type) key.
func (s *PostgresTaskStore) HasUserTask(
	ctx context.Context,
	userID uuid.UUID,
	documentID, source string,
	artifactType domain.ArtifactType,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE user_id = $1 AND document_id = $2 AND source = $3 AND artifact_type = $4
		)
	`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, userID, documentID, source, artifactType).
		Scan(&exists)
	if err != nil {
		return false, MapError(err)
	}
	return exists, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task          domain.Task
		params        []byte
		images        []byte
		failureReason sql.NullString
		artifactPath  sql.NullString
		startedAt     sql.NullTime
		endedAt       sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.ArtifactType,
		&task.Document.DocumentID,
		&task.Document.Source,
		&task.Document.Ownership,
		&task.Document.SourcePath,
		&task.UserID,
		&task.Title,
		&params,
		&task.Status,
		&failureReason,
		&artifactPath,
		&images,
		&task.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task params: %w", err)
		}
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &task.ImagePaths); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task image paths: %w", err)
		}
	}
	task.FailureReason = failureReason.String
	task.ArtifactPath = artifactPath.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		task.EndedAt = &t
	}

	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ensure interface compliance
var _ store.TaskStore = (*PostgresTaskStore)(nil)
