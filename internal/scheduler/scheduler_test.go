package scheduler

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/Cartesion-product/slide-svc/internal/generation"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// memTaskStore is an in-memory store.TaskStore that snapshots tasks on
// every write, so tests observe committed state rather than shared
// pointers mid-transition.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]domain.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[uuid.UUID]domain.Task)}
}

func (s *memTaskStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *memTaskStore) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return &task, nil
}

func (s *memTaskStore) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return store.ErrTaskNotFound
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *memTaskStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memTaskStore) ListByOwnerAndDocument(
	_ context.Context, _ uuid.UUID, _, _ string, _, _ int,
) (*store.TaskPage, error) {
	return &store.TaskPage{}, nil
}

func (s *memTaskStore) HasUserTask(
	_ context.Context, _ uuid.UUID, _, _ string, _ domain.ArtifactType,
) (bool, error) {
	return false, nil
}

func (s *memTaskStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *memTaskStore) status(id uuid.UUID) (domain.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// memDefaultStore is an in-memory store.DefaultResultStore.
type memDefaultStore struct {
	mu      sync.Mutex
	entries map[domain.DefaultResultKey]domain.DefaultResult
}

func newMemDefaultStore() *memDefaultStore {
	return &memDefaultStore{entries: make(map[domain.DefaultResultKey]domain.DefaultResult)}
}

func (s *memDefaultStore) Get(
	_ context.Context,
	key domain.DefaultResultKey,
) (*domain.DefaultResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, store.ErrDefaultResultNotFound
	}
	return &entry, nil
}

func (s *memDefaultStore) Upsert(_ context.Context, result *domain.DefaultResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[result.Key] = *result
	return nil
}

func (s *memDefaultStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fakeArtifactStore derives deterministic storage paths from the task.
type fakeArtifactStore struct {
	failUpload bool
}

func (f *fakeArtifactStore) UploadTaskResult(
	_ context.Context,
	task *domain.Task,
	artifactFile string,
	imageFiles []string,
) (*artifact.UploadedResult, error) {
	if f.failUpload {
		return nil, fmt.Errorf("%w: bucket unreachable", artifact.ErrUploadFailed)
	}
	result := &artifact.UploadedResult{
		ArtifactPath: "bucket/" + artifact.ObjectPrefix(task) + "/" + artifactFile,
	}
	for _, img := range imageFiles {
		result.ImagePaths = append(result.ImagePaths, "bucket/"+artifact.ImagePrefix(task)+"/"+img)
	}
	return result, nil
}

func (f *fakeArtifactStore) Presign(
	_ context.Context, storagePath string, _ time.Duration,
) (string, error) {
	return "https://storage.example/" + storagePath, nil
}

// invokeResult is what the test injects to complete a blocked invocation.
type invokeResult struct {
	output *generation.Output
	err    error
}

// blockingInvoker blocks each invocation until the test completes it,
// giving tests full control over completion order. ignoreCancel simulates
// an uncooperative collaborator that never acknowledges cancellation.
type blockingInvoker struct {
	mu           sync.Mutex
	pending      map[uuid.UUID]chan invokeResult
	started      chan uuid.UUID
	ignoreCancel bool
}

func newBlockingInvoker() *blockingInvoker {
	return &blockingInvoker{
		pending: make(map[uuid.UUID]chan invokeResult),
		started: make(chan uuid.UUID, 32),
	}
}

func (b *blockingInvoker) Invoke(ctx context.Context, req generation.Request) (*generation.Output, error) {
	ch := make(chan invokeResult, 1)
	b.mu.Lock()
	b.pending[req.TaskID] = ch
	b.mu.Unlock()
	b.started <- req.TaskID

	if b.ignoreCancel {
		res := <-ch
		return res.output, res.err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.output, res.err
	}
}

func (b *blockingInvoker) complete(t *testing.T, id uuid.UUID, res invokeResult) {
	t.Helper()
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	require.True(t, ok, "no pending invocation for task %s", id)
	ch <- res
}

func (b *blockingInvoker) waitStarted(t *testing.T) uuid.UUID {
	t.Helper()
	select {
	case id := <-b.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an invocation to start")
		return uuid.Nil
	}
}

type fixture struct {
	sched    *Scheduler
	tasks    *memTaskStore
	defaults *memDefaultStore
	invoker  *blockingInvoker
	uploads  *fakeArtifactStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		tasks:    newMemTaskStore(),
		defaults: newMemDefaultStore(),
		invoker:  newBlockingInvoker(),
		uploads:  &fakeArtifactStore{},
	}
	f.sched = New(f.tasks, f.defaults, f.uploads, f.invoker, cfg, testLogger())
	return f
}

func newTestTask(t *testing.T, at domain.ArtifactType, ownership domain.Ownership) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(at, domain.DocumentRef{
		DocumentID: "doc-1",
		Source:     "arxiv",
		Ownership:  ownership,
		SourcePath: "kb-doc-parsed/arxiv/doc-1",
	}, uuid.New(), domain.DefaultGenerationParams())
	require.NoError(t, err)
	return task
}

func newTestTaskForDoc(t *testing.T, at domain.ArtifactType, docID string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(at, domain.DocumentRef{
		DocumentID: docID,
		Source:     "arxiv",
		Ownership:  domain.OwnershipShared,
		SourcePath: "kb-doc-parsed/arxiv/" + docID,
	}, uuid.New(), domain.DefaultGenerationParams())
	require.NoError(t, err)
	return task
}

func successOutput() invokeResult {
	return invokeResult{output: &generation.Output{
		ArtifactFile: "deck.pdf",
		ImageFiles:   []string{"page_1.png", "page_2.png"},
	}}
}

func waitStatus(t *testing.T, s *memTaskStore, id uuid.UUID, want domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := s.status(id)
		return ok && got == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached status %s", id, want)
}

func waitCounts(t *testing.T, s *Scheduler, running, waiting int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, w, _, _ := s.Status()
		return r == running && w == waiting
	}, 2*time.Second, 5*time.Millisecond, "scheduler never reached running=%d waiting=%d", running, waiting)
}

func TestSubmitAdmitsUpToCapacityThenRejects(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var admitted []*domain.Task

	// 2 run immediately.
	for i := 0; i < 2; i++ {
		task := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
		adm, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, AdmittedRunning, adm)
		admitted = append(admitted, task)
	}

	// The next 5 wait.
	for i := 0; i < 5; i++ {
		task := newTestTask(t, domain.ArtifactTypeInfographic, domain.OwnershipPersonal)
		adm, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, AdmittedWaiting, adm)
		admitted = append(admitted, task)
	}

	running, waiting, maxRunning, maxWaiting := f.sched.Status()
	assert.Equal(t, 2, running)
	assert.Equal(t, 5, waiting)
	assert.Equal(t, 2, maxRunning)
	assert.Equal(t, 5, maxWaiting)

	// Everything at capacity: the next submission is rejected and never
	// persisted.
	rejected := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	_, err := f.sched.Submit(ctx, rejected)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 7, f.tasks.count())
	_, getErr := f.tasks.Get(ctx, rejected.ID)
	assert.ErrorIs(t, getErr, store.ErrTaskNotFound)

	// Bounds held for every admitted task.
	for _, task := range admitted {
		_, err := f.tasks.Get(ctx, task.ID)
		assert.NoError(t, err)
	}
}

func TestWaitingQueueDequeuesFIFO(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// Fill both running slots and the queue with alternating types: type
	// must not affect ordering.
	types := []domain.ArtifactType{
		domain.ArtifactTypeSlides, domain.ArtifactTypeInfographic,
		domain.ArtifactTypeSlides, domain.ArtifactTypeInfographic,
		domain.ArtifactTypeSlides, domain.ArtifactTypeInfographic,
		domain.ArtifactTypeSlides,
	}
	var ids []uuid.UUID
	for _, at := range types {
		task := newTestTask(t, at, domain.OwnershipPersonal)
		_, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	// First two started in submission order.
	assert.Equal(t, ids[0], f.invoker.waitStarted(t))
	assert.Equal(t, ids[1], f.invoker.waitStarted(t))

	// Complete running tasks one at a time; the queue head follows each
	// freed slot in acceptance order.
	for i := 0; i < 5; i++ {
		f.invoker.complete(t, ids[i], invokeResult{err: errors.New("boom")})
		assert.Equal(t, ids[i+2], f.invoker.waitStarted(t))
	}
}

func TestDeleteWaitingTaskRemovesExactlyOneEntry(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		task := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
		_, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	running, waiting, _, _ := f.sched.Status()
	require.Equal(t, 2, running)
	require.Equal(t, 2, waiting)

	// Delete the first queued task: one waiting entry gone, slots untouched.
	require.NoError(t, f.sched.Remove(ctx, ids[2]))

	running, waiting, _, _ = f.sched.Status()
	assert.Equal(t, 2, running)
	assert.Equal(t, 1, waiting)

	_, err := f.tasks.Get(ctx, ids[2])
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	// The remaining queued task is still the next to dispatch.
	f.invoker.complete(t, ids[0], successOutput())
	assert.Equal(t, ids[3], f.invoker.waitStarted(t))
}

func TestDeleteRunningTaskFreesSlotAndPromotesHead(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	first := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	second := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	third := newTestTask(t, domain.ArtifactTypeInfographic, domain.OwnershipPersonal)

	for _, task := range []*domain.Task{first, second, third} {
		_, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
	}
	f.invoker.waitStarted(t)
	f.invoker.waitStarted(t)

	running, waiting, _, _ := f.sched.Status()
	require.Equal(t, 2, running)
	require.Equal(t, 1, waiting)

	// Deleting the first running task frees exactly one slot and promotes
	// the queue head.
	require.NoError(t, f.sched.Remove(ctx, first.ID))
	assert.Equal(t, third.ID, f.invoker.waitStarted(t))

	waitCounts(t, f.sched, 2, 0)

	_, err := f.tasks.Get(ctx, first.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestDeleteRunningUncooperativeInvokerReclaimsAfterGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CancelGrace = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.invoker.ignoreCancel = true
	ctx := context.Background()

	stuck := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	queued := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	for _, task := range []*domain.Task{stuck, queued} {
		_, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
	}
	f.invoker.waitStarted(t)
	f.invoker.waitStarted(t)

	filler := newTestTask(t, domain.ArtifactTypeInfographic, domain.OwnershipPersonal)
	_, err := f.sched.Submit(ctx, filler)
	require.NoError(t, err)

	// Remove must not block past the grace period even though the invoker
	// never acknowledges cancellation.
	removeStart := time.Now()
	require.NoError(t, f.sched.Remove(ctx, stuck.ID))
	assert.Less(t, time.Since(removeStart), time.Second)

	// The reclaimed slot dispatches the queue head.
	assert.Equal(t, filler.ID, f.invoker.waitStarted(t))

	// The invoker's eventual completion is discarded: the record stays
	// deleted.
	f.invoker.complete(t, stuck.ID, successOutput())
	time.Sleep(50 * time.Millisecond)
	_, err = f.tasks.Get(ctx, stuck.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestSuccessPromotesSharedDefault(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	taskA := newTestTaskForDoc(t, domain.ArtifactTypeSlides, "doc-9")
	_, err := f.sched.Submit(ctx, taskA)
	require.NoError(t, err)
	f.invoker.waitStarted(t)
	f.invoker.complete(t, taskA.ID, successOutput())
	waitStatus(t, f.tasks, taskA.ID, domain.TaskStatusSuccess)

	key := domain.DefaultResultKey{
		DocumentID:   "doc-9",
		Source:       "arxiv",
		ArtifactType: domain.ArtifactTypeSlides,
	}
	entryA, err := f.defaults.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, taskA.ID, entryA.TaskID)
	assert.Len(t, entryA.ImagePaths, 2)

	// A second success for the same key updates, not duplicates, the entry.
	taskB := newTestTaskForDoc(t, domain.ArtifactTypeSlides, "doc-9")
	_, err = f.sched.Submit(ctx, taskB)
	require.NoError(t, err)
	f.invoker.waitStarted(t)
	f.invoker.complete(t, taskB.ID, successOutput())
	waitStatus(t, f.tasks, taskB.ID, domain.TaskStatusSuccess)

	entryB, err := f.defaults.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, taskB.ID, entryB.TaskID)
	assert.Equal(t, 1, f.defaults.count())

	// Deleting the original promoting task leaves the cache untouched.
	require.NoError(t, f.sched.Remove(ctx, taskA.ID))
	entryAfter, err := f.defaults.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, taskB.ID, entryAfter.TaskID)
}

func TestPersonalSuccessNeverPromotes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	task := newTestTask(t, domain.ArtifactTypeInfographic, domain.OwnershipPersonal)
	_, err := f.sched.Submit(ctx, task)
	require.NoError(t, err)
	f.invoker.waitStarted(t)
	f.invoker.complete(t, task.ID, invokeResult{output: &generation.Output{ArtifactFile: "poster.png"}})
	waitStatus(t, f.tasks, task.ID, domain.TaskStatusSuccess)

	assert.Equal(t, 0, f.defaults.count())
}

func TestInvokerFailureRecordsReasonAndFreesSlot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	failing := newTestTaskForDoc(t, domain.ArtifactTypeSlides, "doc-3")
	queued := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	blocker := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)

	for _, task := range []*domain.Task{failing, blocker, queued} {
		_, err := f.sched.Submit(ctx, task)
		require.NoError(t, err)
	}
	f.invoker.waitStarted(t)
	f.invoker.waitStarted(t)

	f.invoker.complete(t, failing.ID, invokeResult{err: errors.New("model timeout after 600s")})
	waitStatus(t, f.tasks, failing.ID, domain.TaskStatusFailed)

	failed, err := f.tasks.Get(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, "model timeout after 600s", failed.FailureReason)
	assert.NotNil(t, failed.EndedAt)

	// Failure never touches the cache, and the slot is reused.
	assert.Equal(t, 0, f.defaults.count())
	assert.Equal(t, queued.ID, f.invoker.waitStarted(t))
}

func TestUploadFailureIsInvocationFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.uploads.failUpload = true
	ctx := context.Background()

	task := newTestTaskForDoc(t, domain.ArtifactTypeSlides, "doc-5")
	_, err := f.sched.Submit(ctx, task)
	require.NoError(t, err)
	f.invoker.waitStarted(t)
	f.invoker.complete(t, task.ID, successOutput())

	// No partial artifact is ever recorded as success.
	waitStatus(t, f.tasks, task.ID, domain.TaskStatusFailed)
	stored, err := f.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.FailureReason, "upload failed")
	assert.Empty(t, stored.ArtifactPath)
	assert.Equal(t, 0, f.defaults.count())
}

func TestStopRejectsNewSubmissions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	task := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	_, err := f.sched.Submit(ctx, task)
	require.NoError(t, err)
	f.invoker.waitStarted(t)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.sched.Stop(stopCtx))

	_, err = f.sched.Submit(ctx, newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal))
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestScenarioTwoRunningThirdWaitsDeleteFirstPromotes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	first := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)
	second := newTestTask(t, domain.ArtifactTypeSlides, domain.OwnershipPersonal)

	adm, err := f.sched.Submit(ctx, first)
	require.NoError(t, err)
	require.Equal(t, AdmittedRunning, adm)
	adm, err = f.sched.Submit(ctx, second)
	require.NoError(t, err)
	require.Equal(t, AdmittedRunning, adm)

	third := newTestTask(t, domain.ArtifactTypeInfographic, domain.OwnershipPersonal)
	adm, err = f.sched.Submit(ctx, third)
	require.NoError(t, err)
	require.Equal(t, AdmittedWaiting, adm)

	f.invoker.waitStarted(t)
	f.invoker.waitStarted(t)

	require.NoError(t, f.sched.Remove(ctx, first.ID))

	assert.Equal(t, third.ID, f.invoker.waitStarted(t))
	waitCounts(t, f.sched, 2, 0)
}
