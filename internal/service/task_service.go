package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/artifact"
	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/scheduler"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

// Admitter is the admission-control boundary the task service submits to.
// This is aligned with scheduler.Scheduler.
type Admitter interface {
	// Submit admits a waiting task, persisting and possibly dispatching it.
	Submit(ctx context.Context, task *domain.Task) (scheduler.Admission, error)

	// Remove deletes a task wherever it is: waiting, running, or terminal.
	Remove(ctx context.Context, taskID uuid.UUID) error

	// Status returns current occupancy and the configured limits.
	Status() (running, waiting, maxRunning, maxWaiting int)
}

// URLCache caches presigned download URLs. A nil cache disables caching.
type URLCache interface {
	Get(ctx context.Context, storagePath string) (string, error)
	Set(ctx context.Context, storagePath, url string, expiry time.Duration) error
}

// CreateTaskRequest carries everything needed to admit a new task.
type CreateTaskRequest struct {
	ArtifactType domain.ArtifactType
	DocumentID   string
	Source       string
	Ownership    domain.Ownership
	SourcePath   string
	Params       domain.GenerationParams
}

// DownloadResult carries presigned URLs for a task's artifact. ImageURLs
// is populated for slides only, in page order.
type DownloadResult struct {
	URL       string
	ImageURLs []string
}

// TaskDetail is a task together with presigned addresses for its result.
// ArtifactURL is set once the task has succeeded; ImageURLs only for
// slides, in page order.
type TaskDetail struct {
	Task        *domain.Task
	ArtifactURL string
	ImageURLs   []string
}

// QueueStatus reports admission occupancy against the configured limits.
type QueueStatus struct {
	Running    int `json:"running"`
	Waiting    int `json:"waiting"`
	MaxRunning int `json:"max_running"`
	MaxWaiting int `json:"max_waiting"`
}

// TaskService provides task-related operations.
type TaskService interface {
	// Create admits a new generation task for the user. For a shared
	// document the user has never requested before, a cached default
	// result is returned as an immediately successful task instead of
	// scheduling a fresh generation.
	Create(ctx context.Context, userID uuid.UUID, req CreateTaskRequest) (*domain.Task, error)

	// Get returns the task by id if the user owns it, with presigned
	// addresses for the result once the task has succeeded.
	Get(ctx context.Context, userID, taskID uuid.UUID) (*TaskDetail, error)

	// Delete removes the user's task from whatever state it is in.
	Delete(ctx context.Context, userID, taskID uuid.UUID) error

	// Download returns presigned URLs for a successful task's artifact.
	Download(ctx context.Context, userID, taskID uuid.UUID) (*DownloadResult, error)

	// Default returns presigned URLs for the cached shared default, if any.
	Default(ctx context.Context, key domain.DefaultResultKey) (*DownloadResult, error)

	// List returns the user's tasks for a document, newest first. page 0
	// returns everything; pages are 1-based otherwise.
	List(ctx context.Context, userID uuid.UUID, documentID, source string, page, pageSize int) (*store.TaskPage, error)

	// QueueStatus reports current admission occupancy.
	QueueStatus(ctx context.Context) QueueStatus
}

type taskService struct {
	tasks         store.TaskStore
	defaults      store.DefaultResultStore
	admitter      Admitter
	artifacts     artifact.Store
	urls          URLCache
	presignExpiry time.Duration
	logger        *slog.Logger
}

// NewTaskService creates a TaskService. urls may be nil, which disables
// URL caching.
func NewTaskService(
	tasks store.TaskStore,
	defaults store.DefaultResultStore,
	admitter Admitter,
	artifacts artifact.Store,
	urls URLCache,
	presignExpiry time.Duration,
	logger *slog.Logger,
) TaskService {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &taskService{
		tasks:         tasks,
		defaults:      defaults,
		admitter:      admitter,
		artifacts:     artifacts,
		urls:          urls,
		presignExpiry: presignExpiry,
		logger:        logger.With(slog.String("component", "task_service")),
	}
}

func (s *taskService) Create(
	ctx context.Context,
	userID uuid.UUID,
	req CreateTaskRequest,
) (*domain.Task, error) {
	params := normalizeParams(req.Params)

	task, err := domain.NewTask(req.ArtifactType, domain.DocumentRef{
		DocumentID: req.DocumentID,
		Source:     req.Source,
		Ownership:  req.Ownership,
		SourcePath: req.SourcePath,
	}, userID, params)
	if err != nil {
		return nil, err
	}

	if req.Ownership == domain.OwnershipShared {
		if cached, ok := s.tryDefaultFastPath(ctx, task); ok {
			return cached, nil
		}
	}

	admission, err := s.admitter.Submit(ctx, task)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "task admitted",
		"task_id", task.ID,
		"user_id", userID,
		"artifact_type", task.ArtifactType,
		"admission", admission)

	return task, nil
}

// tryDefaultFastPath serves a first-time request for a shared document from
// the default-result cache: the task is persisted already successful,
// pointing at the cached artifact, and never enters the scheduler. Repeat
// requests always schedule a fresh generation, and any cache or store
// hiccup falls back to scheduling too.
func (s *taskService) tryDefaultFastPath(ctx context.Context, task *domain.Task) (*domain.Task, bool) {
	seen, err := s.tasks.HasUserTask(ctx,
		task.UserID, task.Document.DocumentID, task.Document.Source, task.ArtifactType)
	if err != nil || seen {
		return nil, false
	}

	cached, err := s.defaults.Get(ctx, domain.DefaultResultKey{
		DocumentID:   task.Document.DocumentID,
		Source:       task.Document.Source,
		ArtifactType: task.ArtifactType,
	})
	if err != nil {
		return nil, false
	}

	if err := task.MarkSuccess(cached.ArtifactPath, cached.ImagePaths); err != nil {
		return nil, false
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.logger.WarnContext(ctx, "failed to persist fast-path task, scheduling instead",
			"task_id", task.ID,
			"error", err)
		return nil, false
	}

	s.logger.InfoContext(ctx, "served cached default result",
		"task_id", task.ID,
		"document_id", task.Document.DocumentID,
		"artifact_type", task.ArtifactType)

	return task, true
}

func (s *taskService) Get(ctx context.Context, userID, taskID uuid.UUID) (*TaskDetail, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	detail := &TaskDetail{Task: task}
	if task.Status == domain.TaskStatusSuccess && task.ArtifactPath != "" {
		result, err := s.presignResult(ctx, task.ArtifactPath, task.ImagePaths)
		if err != nil {
			return nil, err
		}
		detail.ArtifactURL = result.URL
		detail.ImageURLs = result.ImageURLs
	}
	return detail, nil
}

func (s *taskService) Delete(ctx context.Context, userID, taskID uuid.UUID) error {
	if _, err := s.ownedTask(ctx, userID, taskID); err != nil {
		return err
	}

	if err := s.admitter.Remove(ctx, taskID); err != nil {
		return &TaskServiceError{
			Operation: "delete_task",
			Message:   "failed to remove task",
			Err:       err,
		}
	}

	s.logger.InfoContext(ctx, "task deleted", "task_id", taskID, "user_id", userID)
	return nil
}

func (s *taskService) Download(
	ctx context.Context,
	userID, taskID uuid.UUID,
) (*DownloadResult, error) {
	task, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status != domain.TaskStatusSuccess {
		return nil, fmt.Errorf("%w: task is %s", ErrTaskNotReady, task.Status)
	}

	return s.presignResult(ctx, task.ArtifactPath, task.ImagePaths)
}

func (s *taskService) Default(
	ctx context.Context,
	key domain.DefaultResultKey,
) (*DownloadResult, error) {
	cached, err := s.defaults.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.presignResult(ctx, cached.ArtifactPath, cached.ImagePaths)
}

func (s *taskService) List(
	ctx context.Context,
	userID uuid.UUID,
	documentID, source string,
	page, pageSize int,
) (*store.TaskPage, error) {
	offset, limit := 0, 0
	if page > 0 {
		if pageSize <= 0 {
			pageSize = 20
		}
		offset = (page - 1) * pageSize
		limit = pageSize
	}

	return s.tasks.ListByOwnerAndDocument(ctx, userID, documentID, source, offset, limit)
}

func (s *taskService) QueueStatus(ctx context.Context) QueueStatus {
	running, waiting, maxRunning, maxWaiting := s.admitter.Status()
	return QueueStatus{
		Running:    running,
		Waiting:    waiting,
		MaxRunning: maxRunning,
		MaxWaiting: maxWaiting,
	}
}

// ownedTask fetches the task and verifies ownership. A task owned by
// someone else surfaces as ErrTaskNotFound so ids cannot be probed.
func (s *taskService) ownedTask(ctx context.Context, userID, taskID uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, fmt.Errorf("%w: %w", store.ErrTaskNotFound, ErrNotOwned)
	}
	return task, nil
}

// presignResult turns stored paths into download URLs, consulting the URL
// cache first. Cache failures are logged and ignored: presigning anew is
// always correct.
func (s *taskService) presignResult(
	ctx context.Context,
	artifactPath string,
	imagePaths []string,
) (*DownloadResult, error) {
	url, err := s.presign(ctx, artifactPath)
	if err != nil {
		return nil, err
	}

	result := &DownloadResult{URL: url}
	for _, imagePath := range imagePaths {
		imageURL, err := s.presign(ctx, imagePath)
		if err != nil {
			return nil, err
		}
		result.ImageURLs = append(result.ImageURLs, imageURL)
	}

	return result, nil
}

// normalizeParams fills omitted generation preferences with the defaults.
func normalizeParams(p domain.GenerationParams) domain.GenerationParams {
	def := domain.DefaultGenerationParams()
	if p.Style == "" {
		p.Style = def.Style
	}
	if p.Language == "" {
		p.Language = def.Language
	}
	if p.Density == "" {
		p.Density = def.Density
	}
	return p
}

func (s *taskService) presign(ctx context.Context, storagePath string) (string, error) {
	if s.urls != nil {
		if url, err := s.urls.Get(ctx, storagePath); err == nil {
			return url, nil
		}
	}

	url, err := s.artifacts.Presign(ctx, storagePath, s.presignExpiry)
	if err != nil {
		return "", &TaskServiceError{
			Operation: "download",
			Message:   "failed to presign artifact",
			Err:       err,
		}
	}

	if s.urls != nil {
		if err := s.urls.Set(ctx, storagePath, url, s.presignExpiry); err != nil {
			s.logger.WarnContext(ctx, "failed to cache presigned url",
				"storage_path", storagePath,
				"error", err)
		}
	}

	return url, nil
}
