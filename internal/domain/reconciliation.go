package domain

import "time"

// DiscrepancyKind classifies a detected divergence between expected and
// observed follower state.
type DiscrepancyKind string

const (
	// DiscrepancyOrphanOrder: a live follower order maps to no confirmed task.
	DiscrepancyOrphanOrder DiscrepancyKind = "orphan_order"
	// DiscrepancyMissingOrder: a confirmed task has no matching follower order.
	DiscrepancyMissingOrder DiscrepancyKind = "missing_order"
	// DiscrepancyPositionDrift: net position quantity differs from expectation.
	DiscrepancyPositionDrift DiscrepancyKind = "position_drift"
)

// Discrepancy is one divergence found by the reconciler.
type Discrepancy struct {
	Kind              DiscrepancyKind `json:"kind"`
	FollowerAccountID string          `json:"follower_account_id"`
	Symbol            string          `json:"symbol,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	ExpectedQty       int             `json:"expected_qty,omitempty"`
	ObservedQty       int             `json:"observed_qty,omitempty"`
	Detail            string          `json:"detail,omitempty"`
	Corrected         bool            `json:"corrected"`
}

/// StateSnapshot captures either side of a reconciliation comparison: the open
// orders and net positions of one follower account at one moment.
type StateSnapshot struct {
	Orders    []BrokerOrder   `json:"orders"`
	Positions map[string]int  `json:"positions"` // symbol -> signed net quantity
	TakenAt   time.Time       `json:"taken_at"`
}

// BrokerOrder is the broker-side view of one open order, shared by the
// poller's diffing and the reconciler's comparison.
type BrokerOrder struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      int       `json:"quantity"`
	FilledQty     int       `json:"filled_qty"`
	Price         float64   `json:"price"`
	OrderType     OrderType `json:"order_type"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// ReconciliationRecord is the persisted outcome of one reconciliation pass
// over one follower account.
type ReconciliationRecord struct {
	ID                string        `json:"id"`
	FollowerAccountID string        `json:"follower_account_id"`
	Expected          StateSnapshot `json:"expected"`
	Observed          StateSnapshot `json:"observed"`
	Discrepancies     []Discrepancy `json:"discrepancies"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Clean reports whether the pass found follower state consistent.
func (r ReconciliationRecord) Clean() bool {
	return len(r.Discrepancies) == 0
}
