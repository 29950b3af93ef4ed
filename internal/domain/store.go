package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// TaskStore persists replication tasks and their append-only transition
// history.
type TaskStore interface {
	// Create inserts a new task. Returns ErrAlreadyExists when a task with
	// the same idempotency key is already present.
	Create(ctx context.Context, task ReplicationTask) error
	GetByIdempotencyKey(ctx context.Context, key string) (ReplicationTask, error)
	// Advance moves the task to the given state and appends the transition.
	// Returns ErrBadTransition when the state machine forbids the step.
	Advance(ctx context.Context, key string, to TaskState, reason string) error
	IncrementAttempts(ctx context.Context, key string, lastError string) error
	ListByFollower(ctx context.Context, followerID string, opts ListOpts) ([]ReplicationTask, error)
	ListByState(ctx context.Context, state TaskState, opts ListOpts) ([]ReplicationTask, error)
	// ListConfirmedByFollower returns the confirmed tasks that define the
	// follower's expected broker state for reconciliation.
	ListConfirmedByFollower(ctx context.Context, followerID string) ([]ReplicationTask, error)
	// AbortPending aborts every non-terminal task for the follower, used
	// when an account is disabled. Returns the number of tasks aborted.
	AbortPending(ctx context.Context, followerID string, reason string) (int64, error)
	CountByState(ctx context.Context, followerID string) (map[TaskState]int64, error)
	Transitions(ctx context.Context, key string) ([]TaskTransition, error)
	// ListTerminalBefore returns terminal tasks last updated before the
	// cutoff, for cold-storage archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]ReplicationTask, error)
}

// EventStore persists the master event stream.
type EventStore interface {
	Append(ctx context.Context, event OrderEvent) error
	LastSeq(ctx context.Context) (int64, error)
	ListSince(ctx context.Context, seq int64, opts ListOpts) ([]OrderEvent, error)
}

// OrderMapStore persists masterOrderId -> followerOrderId mappings.
type OrderMapStore interface {
	Put(ctx context.Context, m OrderMapping) error
	Get(ctx context.Context, masterOrderID, followerID string) (OrderMapping, error)
	ListByFollower(ctx context.Context, followerID string) ([]OrderMapping, error)
	Delete(ctx context.Context, masterOrderID, followerID string) error
}

// ReconStore persists reconciliation outcomes.
type ReconStore interface {
	Insert(ctx context.Context, rec ReconciliationRecord) error
	ListRecent(ctx context.Context, followerID string, limit int) ([]ReconciliationRecord, error)
	// OpenDiscrepancies returns the discrepancies from each follower's most
	// recent pass, for the status surface.
	OpenDiscrepancies(ctx context.Context) ([]Discrepancy, error)
	ListBefore(ctx context.Context, before time.Time) ([]ReconciliationRecord, error)
}
