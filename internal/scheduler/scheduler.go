package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cartesion-product/slide-svc/internal/artifact"
	"github.com/Cartesion-product/slide-svc/internal/domain"
	"github.com/Cartesion-product/slide-svc/internal/generation"
	"github.com/Cartesion-product/slide-svc/internal/platform/metrics"
	"github.com/Cartesion-product/slide-svc/internal/store"
)

// Common errors returned by the Scheduler.
var (
	// ErrCapacityExceeded is returned when both the running set and the
	// waiting queue are full. The task is not persisted; the caller must
	// retry later.
	ErrCapacityExceeded = errors.New("task queue at capacity, try again later")

	// ErrSchedulerStopped is returned for submissions after Stop.
	ErrSchedulerStopped = errors.New("scheduler is stopped")
)

// Admission is the outcome of a successful submission.
type Admission string

// Possible admission outcomes.
const (
	// AdmittedRunning means a running slot was free and the task was
	// dispatched immediately.
	AdmittedRunning Admission = "running"

	// AdmittedWaiting means the task was appended to the waiting queue
	// and will be dispatched when a slot frees, in FIFO order.
	AdmittedWaiting Admission = "waiting"
)

// Config bounds the scheduler.
type Config struct {
	// MaxRunning caps concurrently in-flight invoker calls.
	MaxRunning int

	// MaxWaiting caps the FIFO waiting queue.
	MaxWaiting int

	// CancelGrace bounds how long a deletion waits for the invoker to
	// acknowledge cancellation before the slot is reclaimed regardless.
	CancelGrace time.Duration
}

// DefaultConfig returns the product limits: 2 running, 5 waiting.
func DefaultConfig() Config {
	return Config{
		MaxRunning:  2,
		MaxWaiting:  5,
		CancelGrace: 5 * time.Second,
	}
}

// runningEntry tracks one dispatched task. done is closed when the dispatch
// goroutine finishes; removed marks owner-initiated deletion so a late
// invoker completion is discarded instead of recorded.
type runningEntry struct {
	task    *domain.Task
	cancel  context.CancelFunc
	done    chan struct{}
	removed bool
}

// Scheduler owns the process-wide admission state: the bounded running set
// and the FIFO waiting queue. All mutations of that state, and all task
// state transitions, happen here under a single mutex; other components
// only read committed task state through the TaskStore.
type Scheduler struct {
	tasks     store.TaskStore
	defaults  store.DefaultResultStore
	artifacts artifact.Store
	invoker   generation.Invoker
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runningEntry
	waiting []*domain.Task
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. Zero or negative limits fall back to defaults.
func New(
	tasks store.TaskStore,
	defaults store.DefaultResultStore,
	artifacts artifact.Store,
	invoker generation.Invoker,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = def.MaxRunning
	}
	if cfg.MaxWaiting <= 0 {
		cfg.MaxWaiting = def.MaxWaiting
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}

	return &Scheduler{
		tasks:     tasks,
		defaults:  defaults,
		artifacts: artifacts,
		invoker:   invoker,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "scheduler")),
		running:   make(map[uuid.UUID]*runningEntry),
	}
}

// Submit admits a freshly constructed waiting task. If a running slot is
// free the task is persisted as running and dispatched immediately; if the
// waiting queue has room it is persisted as waiting and queued; otherwise
// ErrCapacityExceeded is returned and nothing is persisted.
func (s *Scheduler) Submit(ctx context.Context, task *domain.Task) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrSchedulerStopped
	}

	if len(s.running) < s.cfg.MaxRunning {
		if err := task.MarkRunning(); err != nil {
			return "", err
		}
		if err := s.tasks.Create(ctx, task); err != nil {
			return "", fmt.Errorf("failed to persist task: %w", err)
		}
		s.dispatchLocked(task)
		return AdmittedRunning, nil
	}

	if len(s.waiting) < s.cfg.MaxWaiting {
		if err := s.tasks.Create(ctx, task); err != nil {
			return "", fmt.Errorf("failed to persist task: %w", err)
		}
		s.waiting = append(s.waiting, task)
		metrics.TasksWaiting.Set(float64(len(s.waiting)))
		s.logger.Info("task queued",
			"task_id", task.ID,
			"artifact_type", task.ArtifactType,
			"queue_position", len(s.waiting))
		return AdmittedWaiting, nil
	}

	metrics.TasksRejected.Inc()
	s.logger.Warn("task rejected at admission",
		"task_id", task.ID,
		"running", len(s.running),
		"waiting", len(s.waiting))
	return "", fmt.Errorf("%w: running %d/%d, waiting %d/%d",
		ErrCapacityExceeded,
		len(s.running), s.cfg.MaxRunning,
		len(s.waiting), s.cfg.MaxWaiting)
}

// Remove performs the owner-initiated deletion transition for any task
// state and deletes the task record. A waiting task is excised from the
// queue; a running task's invocation is cancelled with a bounded grace
// period, after which the slot is reclaimed unconditionally and any late
// completion is discarded. The result cache is never touched.
func (s *Scheduler) Remove(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()

	// Waiting: excise, no slot changes.
	for i, queued := range s.waiting {
		if queued.ID == taskID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			metrics.TasksWaiting.Set(float64(len(s.waiting)))
			s.mu.Unlock()

			metrics.TasksCompleted.WithLabelValues("removed", string(queued.ArtifactType)).Inc()
			s.logger.Info("waiting task removed", "task_id", taskID)
			return s.tasks.Delete(ctx, taskID)
		}
	}

	entry, isRunning := s.running[taskID]
	if !isRunning {
		// Terminal (or unknown): only the record is deleted.
		s.mu.Unlock()
		return s.tasks.Delete(ctx, taskID)
	}

	entry.removed = true
	entry.cancel()
	s.mu.Unlock()

	// Bounded wait for the invoker to acknowledge cancellation. After the
	// grace period the slot is reclaimed regardless.
	select {
	case <-entry.done:
	case <-time.After(s.cfg.CancelGrace):
		s.logger.Warn("cancellation grace period elapsed, reclaiming slot",
			"task_id", taskID,
			"grace", s.cfg.CancelGrace)
	}

	s.mu.Lock()
	if current, ok := s.running[taskID]; ok && current == entry {
		delete(s.running, taskID)
		s.fillSlotsLocked()
	}
	s.mu.Unlock()

	metrics.TasksCompleted.WithLabelValues("removed", string(entry.task.ArtifactType)).Inc()
	s.logger.Info("running task removed", "task_id", taskID)
	return s.tasks.Delete(ctx, taskID)
}

// Status reports the current admission state for introspection.
func (s *Scheduler) Status() (running, waiting, maxRunning, maxWaiting int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), len(s.waiting), s.cfg.MaxRunning, s.cfg.MaxWaiting
}

// Stop cancels all in-flight invocations and waits for their dispatch
// goroutines to finish or the context to expire. Waiting tasks stay in
// the store as waiting records; queue state is not persisted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, entry := range s.running {
		entry.cancel()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown incomplete: %w", ctx.Err())
	}
}

// dispatchLocked registers a running entry for the task and starts its
// dispatch goroutine. Caller must hold s.mu; the task must already be
// persisted in the running state.
func (s *Scheduler) dispatchLocked(task *domain.Task) {
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runningEntry{
		task:   task,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.running[task.ID] = entry
	metrics.TasksRunning.Set(float64(len(s.running)))

	s.logger.Info("task dispatched",
		"task_id", task.ID,
		"artifact_type", task.ArtifactType,
		"running", len(s.running))

	s.wg.Add(1)
	go s.run(runCtx, entry)
}

// fillSlotsLocked promotes waiting-queue heads into freed running slots,
// strictly FIFO. Caller must hold s.mu.
func (s *Scheduler) fillSlotsLocked() {
	metrics.TasksRunning.Set(float64(len(s.running)))

	for len(s.running) < s.cfg.MaxRunning && len(s.waiting) > 0 {
		next := s.waiting[0]
		s.waiting = s.waiting[1:]

		if err := next.MarkRunning(); err != nil {
			s.logger.Error("queued task in unexpected state, dropping",
				"task_id", next.ID,
				"status", next.Status,
				"error", err)
			continue
		}
		if err := s.tasks.Update(context.Background(), next); err != nil {
			s.logger.Error("failed to persist queued task promotion, dropping",
				"task_id", next.ID,
				"error", err)
			continue
		}
		s.dispatchLocked(next)
	}
	metrics.TasksWaiting.Set(float64(len(s.waiting)))
}

// run supervises one invocation from dispatch to completion. It runs
// outside the admission lock; only the final slot release re-acquires it.
func (s *Scheduler) run(ctx context.Context, entry *runningEntry) {
	defer s.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	task := entry.task
	log := s.logger.With(
		"task_id", task.ID,
		"artifact_type", task.ArtifactType,
	)

	started := time.Now()
	output, err := s.invoker.Invoke(ctx, generation.Request{
		TaskID:       task.ID,
		ArtifactType: task.ArtifactType,
		SourcePath:   task.Document.SourcePath,
		Params:       task.Params,
	})
	metrics.TaskDuration.WithLabelValues(string(task.ArtifactType)).
		Observe(time.Since(started).Seconds())

	if s.discarded(entry) || errors.Is(err, context.Canceled) || errors.Is(err, generation.ErrCanceled) {
		log.Info("invocation cancelled, result discarded")
		s.release(entry)
		return
	}

	if err != nil {
		s.finishFailed(entry, log, err.Error())
		return
	}

	s.finishSuccess(ctx, entry, log, output)
}

// finishSuccess uploads the output, promotes the cache for shared
// documents, and records success. Promotion completes before the task is
// marked success, so no caller ever observes a successful shared task
// whose default is missing. The slot is freed last.
func (s *Scheduler) finishSuccess(
	ctx context.Context,
	entry *runningEntry,
	log *slog.Logger,
	output *generation.Output,
) {
	task := entry.task

	uploaded, err := s.artifacts.UploadTaskResult(ctx, task, output.ArtifactFile, output.ImageFiles)
	if err != nil {
		// A partial artifact is never recorded as success.
		s.finishFailed(entry, log, fmt.Sprintf("artifact upload failed: %v", err))
		return
	}

	if err := task.MarkSuccess(uploaded.ArtifactPath, uploaded.ImagePaths); err != nil {
		log.Error("invalid success transition", "error", err)
		s.release(entry)
		return
	}

	if task.Document.Ownership == domain.OwnershipShared {
		if err := s.defaults.Upsert(context.Background(), domain.NewDefaultResult(task)); err != nil {
			s.finishFailed(entry, log, fmt.Sprintf("failed to record default result: %v", err))
			return
		}
		log.Info("default result promoted",
			"document_id", task.Document.DocumentID,
			"source", task.Document.Source)
	}

	if err := s.tasks.Update(context.Background(), task); err != nil {
		if store.IsNotFoundError(err) {
			// Deleted while completing; nothing to record.
			log.Info("task deleted during completion, result discarded")
		} else {
			log.Error("failed to record task success", "error", err)
		}
		s.release(entry)
		return
	}

	metrics.TasksCompleted.WithLabelValues("success", string(task.ArtifactType)).Inc()
	log.Info("task completed successfully", "artifact_path", task.ArtifactPath)
	s.release(entry)
}

// finishFailed records the failure reason verbatim and frees the slot.
// Failures never touch the result cache.
func (s *Scheduler) finishFailed(entry *runningEntry, log *slog.Logger, reason string) {
	task := entry.task

	if err := task.MarkFailed(reason); err != nil {
		log.Error("invalid failure transition", "error", err)
		s.release(entry)
		return
	}

	if err := s.tasks.Update(context.Background(), task); err != nil {
		if store.IsNotFoundError(err) {
			log.Info("task deleted during completion, failure discarded")
		} else {
			log.Error("failed to record task failure", "error", err)
		}
		s.release(entry)
		return
	}

	metrics.TasksCompleted.WithLabelValues("failed", string(task.ArtifactType)).Inc()
	log.Error("task failed", "reason", reason)
	s.release(entry)
}

// release frees the task's running slot and promotes waiting-queue heads.
// Safe against double release: Remove may have reclaimed the slot already
// after a grace-period timeout.
func (s *Scheduler) release(entry *runningEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.running[entry.task.ID]; ok && current == entry {
		delete(s.running, entry.task.ID)
		if !s.stopped {
			s.fillSlotsLocked()
		} else {
			metrics.TasksRunning.Set(float64(len(s.running)))
		}
	}
}

// discarded reports whether the entry's task was removed by its owner.
func (s *Scheduler) discarded(entry *runningEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.removed
}
