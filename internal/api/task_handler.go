// Package api provides HTTP handlers for the API.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/api/shared"
	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/platform/logger"
	"github.com/Cartesion-product/slide-svc/internal/service"
)

// CreateTaskRequest represents the request body for creating a task.
type CreateTaskRequest struct {
	ArtifactType string `json:"artifact_type" validate:"required,oneof=infographic slides"`
	DocumentID   string `json:"document_id"   validate:"required"`
	Source       string `json:"source"        validate:"required"`
	Ownership    string `json:"ownership"     validate:"required,oneof=shared personal"`
	SourcePath   string `json:"source_path"   validate:"required"`
	Style        string `json:"style,omitempty"`
	Language     string `json:"language,omitempty"`
	Density      string `json:"density,omitempty"`
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID            string     `json:"id"`
	ArtifactType  string     `json:"artifact_type"`
	DocumentID    string     `json:"document_id"`
	Source        string     `json:"source"`
	Ownership     string     `json:"ownership"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	PageCount     int        `json:"page_count,omitempty"`
	ArtifactURL   string     `json:"artifact_url,omitempty"`
	ImageURLs     []string   `json:"image_urls,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// TaskListResponse represents a page of tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Total int            `json:"total"`
}

// DownloadResponse carries presigned download URLs. ImageURLs is present
// for slides only, in page order.
type DownloadResponse struct {
	URL       string   `json:"url"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	taskService service.TaskService
	logger      *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService service.TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		taskService: taskService,
		logger:      logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /tasks requests.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := requireUserID(w, r, log)
	if !ok {
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request data", err)
		return
	}

	task, err := h.taskService.Create(r.Context(), userID, service.CreateTaskRequest{
		ArtifactType: domain.ArtifactType(req.ArtifactType),
		DocumentID:   req.DocumentID,
		Source:       req.Source,
		Ownership:    domain.Ownership(req.Ownership),
		SourcePath:   req.SourcePath,
		Params: domain.GenerationParams{
			Style:    req.Style,
			Language: req.Language,
			Density:  req.Density,
		},
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)))
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(task))
}

// GetTask handles GET /tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := requireUserID(w, r, log)
	if !ok {
		return
	}

	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	detail, err := h.taskService.Get(r.Context(), userID, taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, detailToResponse(detail))
}

// DeleteTask handles DELETE /tasks/{id} requests. Deleting a running task
// cancels it; deleting a waiting task removes it from the queue.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := requireUserID(w, r, log)
	if !ok {
		return
	}

	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	if err := h.taskService.Delete(r.Context(), userID, taskID); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DownloadTask handles GET /tasks/{id}/download requests.
func (h *TaskHandler) DownloadTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := requireUserID(w, r, log)
	if !ok {
		return
	}

	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.taskService.Download(r.Context(), userID, taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DownloadResponse{
		URL:       result.URL,
		ImageURLs: result.ImageURLs,
	})
}

// ListTasks handles GET /tasks requests filtered by document. page=0 (the
// default) returns every matching task.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := requireUserID(w, r, log)
	if !ok {
		return
	}

	documentID := r.URL.Query().Get("document_id")
	source := r.URL.Query().Get("source")
	if documentID == "" || source == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "document_id and source are required")
		return
	}

	page := queryInt(r, "page", 0)
	pageSize := queryInt(r, "page_size", 20)

	result, err := h.taskService.List(r.Context(), userID, documentID, source, page, pageSize)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	response := TaskListResponse{Total: result.Total, Tasks: make([]TaskResponse, 0, len(result.Tasks))}
	for _, task := range result.Tasks {
		response.Tasks = append(response.Tasks, taskToResponse(task))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// GetDefault handles GET /defaults requests: the cached shared result for
// a (document, source, artifact type) triple, presigned for download.
func (h *TaskHandler) GetDefault(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document_id")
	source := r.URL.Query().Get("source")
	artifactType := domain.ArtifactType(r.URL.Query().Get("artifact_type"))
	if documentID == "" || source == "" || !domain.IsValidArtifactType(artifactType) {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			"document_id, source, and a valid artifact_type are required")
		return
	}

	result, err := h.taskService.Default(r.Context(), domain.DefaultResultKey{
		DocumentID:   documentID,
		Source:       source,
		ArtifactType: artifactType,
	})
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DownloadResponse{
		URL:       result.URL,
		ImageURLs: result.ImageURLs,
	})
}

// GetQueueStatus handles GET /tasks/queue requests.
func (h *TaskHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.taskService.QueueStatus(r.Context()))
}

// requireUserID extracts the authenticated user ID set by the auth
// middleware, responding 401 when it is missing.
func requireUserID(w http.ResponseWriter, r *http.Request, log *slog.Logger) (uuid.UUID, bool) {
	userID, ok := r.Context().Value(shared.UserIDContextKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		log.Warn("user ID not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return uuid.Nil, false
	}
	return userID, true
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return taskID, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// taskToResponse transforms a domain task into its API shape. Slide tasks
// expose their page count; raw storage paths never leave the service.
func taskToResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            task.ID.String(),
		ArtifactType:  string(task.ArtifactType),
		DocumentID:    task.Document.DocumentID,
		Source:        task.Document.Source,
		Ownership:     string(task.Document.Ownership),
		Title:         task.Title,
		Status:        string(task.Status),
		FailureReason: task.FailureReason,
		CreatedAt:     task.CreatedAt,
		StartedAt:     task.StartedAt,
		EndedAt:       task.EndedAt,
	}
	if task.ArtifactType == domain.ArtifactTypeSlides {
		resp.PageCount = len(task.ImagePaths)
	}
	return resp
}

// detailToResponse layers the presigned result addresses onto the base
// task shape. ImageURLs stays empty for infographics.
func detailToResponse(detail *service.TaskDetail) TaskResponse {
	resp := taskToResponse(detail.Task)
	resp.ArtifactURL = detail.ArtifactURL
	resp.ImageURLs = detail.ImageURLs
	return resp
}
