// Package queue is the Job Manager: a bounded worker pool that dequeues
// jobs, drives the Iteration Engine, and persists progress and results
// (§4.1).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jiazeyu1987/patentforge/internal/config"
	"github.com/jiazeyu1987/patentforge/internal/iteration"
	"github.com/jiazeyu1987/patentforge/internal/store"
	"github.com/jiazeyu1987/patentforge/internal/summarizer"
)

// ErrQueueFull is returned by Submit when the job channel is at capacity.
// Callers should map this to HTTP 503 Service Unavailable.
var ErrQueueFull = errors.New("queue full")

// cancelledMessage is the error field stored on a job cancelled via Cancel.
const cancelledMessage = "任务已取消"

// CancelOutcome is the result of a Cancel call.
type CancelOutcome string

const (
	// CancelOK means the cancellation signal was set (job was running or
	// still queued and has now been marked cancelled).
	CancelOK CancelOutcome = "ok"
	// CancelLate means the job had already reached a terminal status; the
	// call was a no-op.
	CancelLate CancelOutcome = "late"
)

// Stats is a point-in-time snapshot of the manager's state for the
// statistics() contract.
type Stats struct {
	Counts     map[store.Status]int
	QueueDepth int
	WorkerBusy int
}

// Engine is the subset of *iteration.Engine the manager drives, so tests can
// substitute a fake.
type Engine interface {
	Run(ctx context.Context, in iteration.RunInput) (*store.Result, error)
}

// Manager owns the job queue, the fixed worker pool, and per-job
// cancellation.
type Manager struct {
	jobs    chan string
	store   store.Store
	engine  Engine
	cfg     *config.Config
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Manager.
func New(cfg *config.Config, st store.Store, engine Engine) *Manager {
	return &Manager{
		jobs:    make(chan string, cfg.QueueSize),
		store:   st,
		engine:  engine,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches cfg.MaxWorkers workers bound to ctx.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.MaxWorkers; i++ {
		go m.runWorker(ctx)
	}
}

// Submit validates input, creates the job record, and enqueues it for
// asynchronous processing. It returns the new job's ID.
func (m *Manager) Submit(ctx context.Context, input store.Input) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	j := &store.Job{
		ID:        id,
		Input:     input,
		Status:    store.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := m.enqueue(id); err != nil {
		return "", err
	}
	return id, nil
}

// RunSync validates input, creates the job record, and runs it to
// completion on the calling goroutine without going through the queue —
// used by the synchronous generate endpoint. It does not take a worker slot:
// synchronous runs are not counted against MaxWorkers.
func (m *Manager) RunSync(ctx context.Context, input store.Input) (*store.Result, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	j := &store.Job{
		ID:        id,
		Input:     input,
		Status:    store.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return m.runJob(ctx, id)
}

func (m *Manager) enqueue(jobID string) error {
	select {
	case m.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("%w: job %s", ErrQueueFull, jobID)
	}
}

// Cancel sets the cancellation signal for jobID. It is idempotent: a job
// that has already reached a terminal status returns CancelLate without any
// mutation. A running job has its context cancelled. A queued job that no
// worker has picked up yet is dequeued by being marked cancelled directly,
// so it never runs.
func (m *Manager) Cancel(ctx context.Context, jobID string) (CancelOutcome, error) {
	m.mu.Lock()
	cancel, running := m.cancels[jobID]
	m.mu.Unlock()
	if running {
		cancel()
		return CancelOK, nil
	}

	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.Status.IsTerminal() {
		return CancelLate, nil
	}

	if err := m.store.Finish(ctx, jobID, store.StatusCancelled, nil, cancelledMessage); err != nil {
		return "", fmt.Errorf("cancel queued job %s: %w", jobID, err)
	}
	return CancelOK, nil
}

// Statistics reports counts-by-status, the number of jobs waiting in the
// queue, and how many jobs currently hold a registered cancel func (i.e. are
// actively running, on a worker or through RunSync).
func (m *Manager) Statistics(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountsByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("statistics: %w", err)
	}
	m.mu.Lock()
	busy := len(m.cancels)
	m.mu.Unlock()
	return Stats{Counts: counts, QueueDepth: len(m.jobs), WorkerBusy: busy}, nil
}

// Recovery resets jobs stuck in "running" (from a prior crash) back to
// "queued" and re-enqueues them.
func (m *Manager) Recovery(ctx context.Context) error {
	ids, err := m.store.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	}
	for _, id := range ids {
		if err := m.enqueue(id); err != nil {
			slog.Error("recovery: failed to re-enqueue job", "job_id", id, "error", err)
		}
	}
	return nil
}

// StartCleanup launches a background goroutine that periodically deletes
// terminal jobs older than ttlHours.
func (m *Manager) StartCleanup(ctx context.Context, ttlHours int, interval time.Duration) {
	if ttlHours <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				before := time.Now().Add(-time.Duration(ttlHours) * time.Hour)
				deleted, err := m.store.DeleteTerminalBefore(ctx, before)
				if err != nil {
					slog.Error("cleanup: delete terminal jobs", "error", err)
				} else if deleted > 0 {
					slog.Info("cleanup: deleted old jobs", "count", deleted)
				}
			}
		}
	}()
}

func (m *Manager) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-m.jobs:
			if _, err := m.runJob(ctx, jobID); err != nil {
				slog.Warn("worker: job finished with error", "job_id", jobID, "error", err)
			}
		}
	}
}

// runJob drives one job end to end: mark running, build the round-loop
// context (idea text or a source summary), run the Iteration Engine with
// progress/cancellation wired to the store, and persist the outcome.
func (m *Manager) runJob(parent context.Context, jobID string) (*store.Result, error) {
	j, err := m.store.Get(parent, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		slog.Warn("worker: job not found", "job_id", jobID)
		return nil, err
	}
	if err != nil {
		slog.Error("worker: get job", "job_id", jobID, "error", err)
		return nil, err
	}
	if j.Status.IsTerminal() {
		slog.Info("worker: job already terminal, skipping", "job_id", jobID, "status", j.Status)
		return j.Result, nil
	}

	if err := m.store.MarkRunning(parent, jobID); err != nil {
		slog.Error("worker: mark running", "job_id", jobID, "error", err)
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(parent)
	if m.cfg.TaskTimeout > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, m.cfg.TaskTimeout)
		defer timeoutCancel()
	}
	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, jobID)
		m.mu.Unlock()
		cancel()
	}()

	buildContext, err := m.buildContext(j.Input)
	if err != nil {
		m.finish(parent, jobID, store.StatusFailed, nil, err.Error())
		return nil, err
	}

	result, runErr := m.engine.Run(jobCtx, iteration.RunInput{
		JobID:      jobID,
		Context:    buildContext,
		Iterations: j.Input.Iterations,
		OutputName: j.Input.OutputName,
		TemplateID: j.Input.TemplateID,
		Progress: func(progress int, message string) {
			if err := m.store.UpdateProgress(parent, jobID, progress, message); err != nil {
				slog.Error("worker: update progress", "job_id", jobID, "error", err)
			}
		},
		Cancelled: func() bool { return jobCtx.Err() != nil },
	})

	if runErr != nil {
		switch {
		case errors.Is(runErr, iteration.ErrCancelled), errors.Is(jobCtx.Err(), context.Canceled):
			m.finish(parent, jobID, store.StatusCancelled, nil, cancelledMessage)
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			m.finish(parent, jobID, store.StatusFailed, nil, fmt.Sprintf("job timed out after %s", m.cfg.TaskTimeout))
		default:
			m.finish(parent, jobID, store.StatusFailed, nil, runErr.Error())
		}
		return nil, runErr
	}

	result.TemplateUsed = j.Input.TemplateID
	m.finish(parent, jobID, store.StatusCompleted, result, "")
	return result, nil
}

func (m *Manager) buildContext(input store.Input) (string, error) {
	if input.Mode == store.ModeIdea {
		return input.IdeaText, nil
	}
	return summarizer.Summarize(input.ProjectPath, summarizer.Options{})
}

func (m *Manager) finish(ctx context.Context, jobID string, status store.Status, result *store.Result, errMsg string) {
	if err := m.store.Finish(ctx, jobID, status, result, errMsg); err != nil {
		slog.Error("worker: finish job", "job_id", jobID, "error", err)
	}
}
