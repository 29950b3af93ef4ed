package domain

import "time"

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// OrderType is the broker-side order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeStop   OrderType = "Stop"
)

// EventType tags the status transition a master order underwent between two
// poll snapshots. The replication engine handles every variant exhaustively.
type EventType string

const (
	EventNew             EventType = "new"
	EventPartiallyFilled EventType = "partially_filled"
	EventFilled          EventType = "filled"
	EventCanceled        EventType = "canceled"
	EventModified        EventType = "modified"
)

// Priority orders event types detected within the same poll cycle:
// new < partially_filled < filled < canceled < modified.
func (t EventType) Priority() int {
	switch t {
	case EventNew:
		return 0
	case EventPartiallyFilled:
		return 1
	case EventFilled:
		return 2
	case EventCanceled:
		return 3
	case EventModified:
		return 4
	default:
		return 5
	}
}

// OrderEvent is one observed change on the master account. Events are
// immutable once emitted and carry a globally monotonic sequence number; the
// Master Poller is their only producer.
type OrderEvent struct {
	Seq           int64     `json:"seq"`
	MasterOrderID string    `json:"master_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      int       `json:"quantity"`
	FilledQty     int       `json:"filled_qty"`
	Price         float64   `json:"price"`
	OrderType     OrderType `json:"order_type"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
}
