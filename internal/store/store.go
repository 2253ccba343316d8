package store

import (
	"context"
	"time"
)

// JobStore persists and retrieves Jobs. It is the storage half of the Job
// Manager contract (§4.1).
type JobStore interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// UpdateProgress coalesces a progress/message update; only the latest
	// call's values are visible to subsequent Get calls.
	UpdateProgress(ctx context.Context, id string, progress int, message string) error
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status Status, result *Result, errMsg string) error
	Delete(ctx context.Context, id string) error
	// ResetRunning moves all jobs stuck in "running" back to "queued" and
	// returns their IDs, so a crash-recovered process can re-enqueue them.
	ResetRunning(ctx context.Context) ([]string, error)
	// DeleteTerminalBefore removes terminal jobs whose FinishedAt predates
	// before. Running and queued jobs are never affected.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
	// CountsByStatus returns the number of jobs currently in each status, for
	// the Job Manager's statistics() contract.
	CountsByStatus(ctx context.Context) (map[Status]int, error)
}

// ConversationStore is the Conversation Store contract (§4.6): durable,
// append-only per-round dialogue history keyed by job and round index.
type ConversationStore interface {
	LogRound(ctx context.Context, r *Round) error
	RoundsFor(ctx context.Context, jobID string) ([]int, error)
	Round(ctx context.Context, jobID string, index int) (*RoundView, error)
	Delete(ctx context.Context, jobID string) error
}

// Store is the full persistence contract: a JobStore and a ConversationStore
// backed by the same embedded database (§4.6 — "two tables" in one store).
type Store interface {
	JobStore
	ConversationStore
	Close() error
}
