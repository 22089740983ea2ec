package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cartesion-product/slide-svc/internal/artifact"
	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/scheduler"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubTaskStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]domain.Task
	hasTask bool
}

func newStubTaskStore() *stubTaskStore {
	return &stubTaskStore{tasks: make(map[uuid.UUID]domain.Task)}
}

func (s *stubTaskStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *stubTaskStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return &task, nil
}

func (s *stubTaskStore) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *stubTaskStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *stubTaskStore) ListByOwnerAndDocument(
	_ context.Context, userID uuid.UUID, documentID, source string, offset, limit int,
) (*store.TaskPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := &store.TaskPage{}
	for _, task := range s.tasks {
		if task.UserID == userID && task.Document.DocumentID == documentID &&
			task.Document.Source == source {
			t := task
			page.Tasks = append(page.Tasks, &t)
			page.Total++
		}
	}
	return page, nil
}

func (s *stubTaskStore) HasUserTask(
	_ context.Context, _ uuid.UUID, _, _ string, _ domain.ArtifactType,
) (bool, error) {
	return s.hasTask, nil
}

type stubDefaultStore struct {
	entry *domain.DefaultResult
}

func (s *stubDefaultStore) Get(
	_ context.Context, _ domain.DefaultResultKey,
) (*domain.DefaultResult, error) {
	if s.entry == nil {
		return nil, store.ErrDefaultResultNotFound
	}
	return s.entry, nil
}

func (s *stubDefaultStore) Upsert(_ context.Context, result *domain.DefaultResult) error {
	s.entry = result
	return nil
}

type stubAdmitter struct {
	submitted []*domain.Task
	removed   []uuid.UUID
	submitErr error
}

func (a *stubAdmitter) Submit(_ context.Context, task *domain.Task) (scheduler.Admission, error) {
	if a.submitErr != nil {
		return "", a.submitErr
	}
	a.submitted = append(a.submitted, task)
	return scheduler.AdmittedWaiting, nil
}

func (a *stubAdmitter) Remove(_ context.Context, taskID uuid.UUID) error {
	a.removed = append(a.removed, taskID)
	return nil
}

func (a *stubAdmitter) Status() (int, int, int, int) {
	return 1, 3, 2, 5
}

type stubPresigner struct {
	calls int
}

func (p *stubPresigner) UploadTaskResult(
	_ context.Context, _ *domain.Task, _ string, _ []string,
) (*artifact.UploadedResult, error) {
	return nil, errors.New("not used")
}

func (p *stubPresigner) Presign(_ context.Context, storagePath string, _ time.Duration) (string, error) {
	p.calls++
	return "https://signed.example/" + storagePath, nil
}

type mapURLCache struct {
	entries map[string]string
}

func (c *mapURLCache) Get(_ context.Context, storagePath string) (string, error) {
	url, ok := c.entries[storagePath]
	if !ok {
		return "", errors.New("miss")
	}
	return url, nil
}

func (c *mapURLCache) Set(_ context.Context, storagePath, url string, _ time.Duration) error {
	c.entries[storagePath] = url
	return nil
}

type env struct {
	svc      TaskService
	tasks    *stubTaskStore
	defaults *stubDefaultStore
	admitter *stubAdmitter
	signer   *stubPresigner
	urls     *mapURLCache
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		tasks:    newStubTaskStore(),
		defaults: &stubDefaultStore{},
		admitter: &stubAdmitter{},
		signer:   &stubPresigner{},
		urls:     &mapURLCache{entries: make(map[string]string)},
	}
	e.svc = NewTaskService(e.tasks, e.defaults, e.admitter, e.signer, e.urls, time.Hour, testLogger())
	return e
}

func sharedCreateRequest(at domain.ArtifactType) CreateTaskRequest {
	return CreateTaskRequest{
		ArtifactType: at,
		DocumentID:   "doc-1",
		Source:       "arxiv",
		Ownership:    domain.OwnershipShared,
		SourcePath:   "kb-doc-parsed/arxiv/doc-1",
	}
}

func TestCreateSchedulesAndAppliesParamDefaults(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()

	task, err := e.svc.Create(context.Background(), userID, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)

	require.Len(t, e.admitter.submitted, 1)
	assert.Equal(t, task.ID, e.admitter.submitted[0].ID)
	assert.Equal(t, domain.TaskTitleSlides, task.Title)
	assert.Equal(t, domain.DefaultGenerationParams(), task.Params)
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	e := newEnv(t)

	req := sharedCreateRequest(domain.ArtifactTypeSlides)
	req.DocumentID = ""
	_, err := e.svc.Create(context.Background(), uuid.New(), req)
	assert.ErrorIs(t, err, domain.ErrEmptyTaskDocumentID)
	assert.Empty(t, e.admitter.submitted)
}

func TestCreatePropagatesCapacityRejection(t *testing.T) {
	e := newEnv(t)
	e.admitter.submitErr = scheduler.ErrCapacityExceeded

	req := sharedCreateRequest(domain.ArtifactTypeInfographic)
	req.Ownership = domain.OwnershipPersonal
	_, err := e.svc.Create(context.Background(), uuid.New(), req)
	assert.ErrorIs(t, err, scheduler.ErrCapacityExceeded)
}

func TestCreateServesCachedDefaultOnFirstRequest(t *testing.T) {
	e := newEnv(t)
	e.defaults.entry = &domain.DefaultResult{
		Key: domain.DefaultResultKey{
			DocumentID:   "doc-1",
			Source:       "arxiv",
			ArtifactType: domain.ArtifactTypeSlides,
		},
		ArtifactPath: "kb-slide-shared/arxiv/doc-1/deck.json",
		ImagePaths:   []string{"kb-slide-shared/arxiv/doc-1/images/page_1.png"},
		TaskID:       uuid.New(),
	}

	task, err := e.svc.Create(context.Background(), uuid.New(), sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)

	// Served from the cache: instantly successful, never scheduled.
	assert.Equal(t, domain.TaskStatusSuccess, task.Status)
	assert.Equal(t, "kb-slide-shared/arxiv/doc-1/deck.json", task.ArtifactPath)
	assert.Empty(t, e.admitter.submitted)

	stored, err := e.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, stored.Status)
}

func TestCreateSchedulesWhenUserAlreadyRequestedDocument(t *testing.T) {
	e := newEnv(t)
	e.tasks.hasTask = true
	e.defaults.entry = &domain.DefaultResult{
		ArtifactPath: "kb-slide-shared/arxiv/doc-1/deck.json",
	}

	task, err := e.svc.Create(context.Background(), uuid.New(), sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)

	// A repeat request regenerates instead of reusing the default.
	assert.Equal(t, domain.TaskStatusWaiting, task.Status)
	assert.Len(t, e.admitter.submitted, 1)
}

func TestGetHidesForeignTasks(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()

	task, err := e.svc.Create(context.Background(), owner, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)
	require.NoError(t, e.tasks.Create(context.Background(), task))

	_, err = e.svc.Get(context.Background(), uuid.New(), task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	got, err := e.svc.Get(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.Task.ID)
}

func TestGetPresignsResultAddressesOnceSuccessful(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()

	task, err := e.svc.Create(context.Background(), owner, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)
	require.NoError(t, e.tasks.Create(context.Background(), task))

	// Nothing to presign while the task is still waiting.
	detail, err := e.svc.Get(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.ArtifactURL)
	assert.Empty(t, detail.ImageURLs)

	require.NoError(t, task.MarkRunning())
	require.NoError(t, task.MarkSuccess(
		"kb-slide-shared/arxiv/doc-1/deck.json",
		[]string{
			"kb-slide-shared/arxiv/doc-1/images/page_1.png",
			"kb-slide-shared/arxiv/doc-1/images/page_2.png",
		},
	))
	require.NoError(t, e.tasks.Update(context.Background(), task))

	detail, err = e.svc.Get(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/kb-slide-shared/arxiv/doc-1/deck.json", detail.ArtifactURL)
	assert.Equal(t, []string{
		"https://signed.example/kb-slide-shared/arxiv/doc-1/images/page_1.png",
		"https://signed.example/kb-slide-shared/arxiv/doc-1/images/page_2.png",
	}, detail.ImageURLs)
}

func TestDeleteVerifiesOwnershipBeforeRemoving(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()

	task, err := e.svc.Create(context.Background(), owner, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)
	require.NoError(t, e.tasks.Create(context.Background(), task))

	err = e.svc.Delete(context.Background(), uuid.New(), task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.Empty(t, e.admitter.removed)

	require.NoError(t, e.svc.Delete(context.Background(), owner, task.ID))
	assert.Equal(t, []uuid.UUID{task.ID}, e.admitter.removed)
}

func TestDownloadRequiresSuccess(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()

	task, err := e.svc.Create(context.Background(), owner, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)
	require.NoError(t, e.tasks.Create(context.Background(), task))

	_, err = e.svc.Download(context.Background(), owner, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotReady)
}

func TestDownloadPresignsArtifactAndImages(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()

	task, err := e.svc.Create(context.Background(), owner, sharedCreateRequest(domain.ArtifactTypeSlides))
	require.NoError(t, err)
	require.NoError(t, task.MarkRunning())
	require.NoError(t, task.MarkSuccess(
		"kb-slide-shared/arxiv/doc-1/deck.json",
		[]string{"kb-slide-shared/arxiv/doc-1/images/page_1.png"},
	))
	require.NoError(t, e.tasks.Update(context.Background(), task))

	result, err := e.svc.Download(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example/kb-slide-shared/arxiv/doc-1/deck.json", result.URL)
	require.Len(t, result.ImageURLs, 1)

	// Second download is served entirely from the URL cache.
	signs := e.signer.calls
	_, err = e.svc.Download(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, signs, e.signer.calls)
}

func TestDefaultMissPropagates(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Default(context.Background(), domain.DefaultResultKey{
		DocumentID:   "doc-x",
		Source:       "arxiv",
		ArtifactType: domain.ArtifactTypeInfographic,
	})
	assert.ErrorIs(t, err, store.ErrDefaultResultNotFound)
}

func TestQueueStatusReportsAdmitterCounts(t *testing.T) {
	e := newEnv(t)
	status := e.svc.QueueStatus(context.Background())
	assert.Equal(t, QueueStatus{Running: 1, Waiting: 3, MaxRunning: 2, MaxWaiting: 5}, status)
}
