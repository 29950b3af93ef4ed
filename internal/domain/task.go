package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskState is the replication task lifecycle state. State is advanced, never
// rewritten; every advancement is recorded as a TaskTransition.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskSubmitted      TaskState = "submitted"
	TaskConfirmed      TaskState = "confirmed"
	TaskFailedRetry    TaskState = "failed_retryable"
	TaskFailedFatal    TaskState = "failed_fatal"
	TaskAborted        TaskState = "aborted"
	TaskSkipped        TaskState = "skipped"
)

// TaskStates lists every state, in lifecycle order. Used by the status
// surface to report stable per-state counts.
var TaskStates = []TaskState{
	TaskPending, TaskSubmitted, TaskConfirmed,
	TaskFailedRetry, TaskFailedFatal, TaskAborted, TaskSkipped,
}

// Terminal reports whether no further transition may leave this state.
// FailedRetry is not terminal: it bounces back to Pending until the retry
// budget is exhausted.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskConfirmed, TaskAborted, TaskSkipped, TaskFailedFatal:
		return true
	default:
		return false
	}
}

// validTransitions encodes the task state machine:
//
//	Pending -> Submitted -> Confirmed            (happy path)
//	Submitted -> FailedRetry -> Pending          (transient error, bounded)
//	Pending|Submitted -> FailedFatal -> Aborted  (non-retryable / disabled)
//	Pending -> Skipped                           (zero-sized)
var validTransitions = map[TaskState][]TaskState{
	TaskPending:     {TaskSubmitted, TaskSkipped, TaskFailedFatal},
	TaskSubmitted:   {TaskConfirmed, TaskFailedRetry, TaskFailedFatal},
	TaskFailedRetry: {TaskPending, TaskFailedFatal},
	TaskFailedFatal: {TaskAborted},
}

// CanTransition reports whether from -> to is a legal advancement.
func CanTransition(from, to TaskState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskKey is the composite identity of a replication task. One task exists
// per (master order, follower) pair; a modification of the master order
// advances the existing task, it does not mint a new identity.
type TaskKey struct {
	MasterOrderID     string
	FollowerAccountID string
	MasterEventSeq    int64
}

// IdempotencyKey derives the deterministic key used both to deduplicate
// retried event delivery and as the broker client-order-id so replays can
// never place two live orders.
func (k TaskKey) IdempotencyKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", k.MasterOrderID, k.FollowerAccountID, k.MasterEventSeq)))
	return hex.EncodeToString(sum[:16])
}

// ReplicationTask is one unit of follower work derived from a master
// OrderEvent. Quantity and FilledQty are already scaled and lot-rounded for
// the follower; FilledQty sizes fill mirroring when no mapped order exists.
type ReplicationTask struct {
	Key            TaskKey
	IdempotencyKey string
	EventType      EventType
	Symbol         string
	Side           OrderSide
	Quantity       int
	FilledQty      int
	Price          float64
	OrderType      OrderType
	State          TaskState
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskTransition is one append-only state machine step for a task.
type TaskTransition struct {
	Key    TaskKey
	From   TaskState
	To     TaskState
	Reason string
	At     time.Time
}

// OrderMapping records which follower order a confirmed placement produced,
// so later cancel/modify events can target it.
type OrderMapping struct {
	MasterOrderID     string
	FollowerAccountID string
	FollowerOrderID   string
	Symbol            string
	CreatedAt         time.Time
}
