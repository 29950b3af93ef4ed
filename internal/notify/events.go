package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// Event types the operator can subscribe to.
const (
	EventAccountDisabled = "account_disabled"
	EventTaskFailedFatal = "task_failed_fatal"
	EventDriftDetected   = "drift_detected"
	EventPollerDegraded  = "poller_degraded"
)

// AccountDisabled alerts that a follower was taken out of replication.
func (n *Notifier) AccountDisabled(ctx context.Context, accountID, reason string) {
	_ = n.Notify(ctx, EventAccountDisabled,
		"Account disabled",
		fmt.Sprintf("Account %s disabled: %s. Its pending tasks were aborted; replication for other accounts continues.", accountID, reason))
}

// TaskFailedFatal alerts that a task ended without the follower mirroring the
// master's action.
func (n *Notifier) TaskFailedFatal(ctx context.Context, task domain.ReplicationTask) {
	_ = n.Notify(ctx, EventTaskFailedFatal,
		"Replication task failed",
		fmt.Sprintf("Task %s (master order %s, follower %s, %s %d %s) failed permanently: %s",
			task.IdempotencyKey, task.Key.MasterOrderID, task.Key.FollowerAccountID,
			task.Side, task.Quantity, task.Symbol, task.LastError))
}

// DriftDetected alerts that a reconciliation pass found the follower's broker
// state diverged from expectation.
func (n *Notifier) DriftDetected(ctx context.Context, followerID string, discrepancies []domain.Discrepancy) {
	lines := make([]string, 0, len(discrepancies))
	for _, d := range discrepancies {
		switch d.Kind {
		case domain.DiscrepancyPositionDrift:
			lines = append(lines, fmt.Sprintf("- %s %s: expected %d, observed %d", d.Kind, d.Symbol, d.ExpectedQty, d.ObservedQty))
		default:
			lines = append(lines, fmt.Sprintf("- %s %s order %s", d.Kind, d.Symbol, d.OrderID))
		}
	}
	_ = n.Notify(ctx, EventDriftDetected,
		"Follower state drift",
		fmt.Sprintf("Follower %s diverged from the master:\n%s", followerID, strings.Join(lines, "\n")))
}

// PollerDegraded alerts that the master poller has failed repeatedly and the
// replication state may be stale.
func (n *Notifier) PollerDegraded(ctx context.Context, consecutiveFailures int) {
	_ = n.Notify(ctx, EventPollerDegraded,
		"Master poller degraded",
		fmt.Sprintf("The master poller has failed %d consecutive cycles. Follower state may be stale until polling recovers.", consecutiveFailures))
}
