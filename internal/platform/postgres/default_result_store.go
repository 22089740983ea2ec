package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/platform/logger"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

// PostgresDefaultResultStore implements store.DefaultResultStore using
// PostgreSQL. A unique index on (document_id, source, artifact_type)
// enforces the at-most-one-entry-per-key invariant.
type PostgresDefaultResultStore struct {
	db store.DBTX
}

// NewPostgresDefaultResultStore creates a new PostgresDefaultResultStore.
func NewPostgresDefaultResultStore(db store.DBTX) *PostgresDefaultResultStore {
	return &PostgresDefaultResultStore{db: db}
}

// Get retrieves the cached default for a key, or ErrDefaultResultNotFound
// on a cache miss.
func (s *PostgresDefaultResultStore) Get(
	ctx context.Context,
	key domain.DefaultResultKey,
) (*domain.DefaultResult, error) {
	query := `
		SELECT document_id, source, artifact_type, artifact_path, image_paths,
			task_id, created_at
		FROM default_results
		WHERE document_id = $1 AND source = $2 AND artifact_type = $3
	`

	var (
		result domain.DefaultResult
		images []byte
	)
	err := s.db.QueryRowContext(ctx, query, key.DocumentID, key.Source, key.ArtifactType).Scan(
		&result.Key.DocumentID,
		&result.Key.Source,
		&result.Key.ArtifactType,
		&result.ArtifactPath,
		&images,
		&result.TaskID,
		&result.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDefaultResultNotFound
		}
		return nil, MapError(err)
	}

	if len(images) > 0 {
		if err := json.Unmarshal(images, &result.ImagePaths); err != nil {
			return nil, fmt.Errorf("failed to unmarshal default result images: %w", err)
		}
	}

	return &result, nil
}

// Upsert writes the cached default for its key, overwriting any previous
// entry. Last successful write wins.
func (s *PostgresDefaultResultStore) Upsert(
	ctx context.Context,
	result *domain.DefaultResult,
) error {
	log := logger.FromContext(ctx)

	images, err := json.Marshal(result.ImagePaths)
	if err != nil {
		return fmt.Errorf("failed to marshal default result images: %w", err)
	}

	query := `
		INSERT INTO default_results
			(document_id, source, artifact_type, artifact_path, image_paths, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, source, artifact_type)
		DO UPDATE SET
			artifact_path = EXCLUDED.artifact_path,
			image_paths = EXCLUDED.image_paths,
			task_id = EXCLUDED.task_id,
			created_at = EXCLUDED.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		result.Key.DocumentID,
		result.Key.Source,
		result.Key.ArtifactType,
		result.ArtifactPath,
		images,
		result.TaskID,
		result.CreatedAt,
	)
	if err != nil {
		log.Error("failed to upsert default result",
			"document_id", result.Key.DocumentID,
			"source", result.Key.Source,
			"artifact_type", result.Key.ArtifactType,
			"error", err)
		return MapError(err)
	}

	return nil
}

// ensure interface compliance
var _ store.DefaultResultStore = (*PostgresDefaultResultStore)(nil)
