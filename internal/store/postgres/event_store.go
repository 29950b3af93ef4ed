package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// EventStore persists the master event stream. Seq is the primary key, so a
// redelivered event is an upsert no-op rather than a duplicate row.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append records one master event.
func (s *EventStore) Append(ctx context.Context, ev domain.OrderEvent) error {
	const query = `
		INSERT INTO master_events (
			seq, master_order_id, symbol, side, quantity, filled_qty, price, order_type, event_type, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		ev.Seq, ev.MasterOrderID, ev.Symbol, string(ev.Side),
		ev.Quantity, ev.FilledQty, ev.Price, string(ev.OrderType), string(ev.Type), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %d: %w", ev.Seq, err)
	}
	return nil
}

// LastSeq returns the highest recorded sequence number, zero when the stream
// is empty.
func (s *EventStore) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM master_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: last seq: %w", err)
	}
	return seq, nil
}

// ListSince returns events with seq strictly greater than the given value.
func (s *EventStore) ListSince(ctx context.Context, seq int64, opts domain.ListOpts) ([]domain.OrderEvent, error) {
	query := `SELECT seq, master_order_id, symbol, side, quantity, filled_qty, price, order_type, event_type, observed_at
		FROM master_events WHERE seq > $1 ORDER BY seq`
	args := []any{seq}
	query, args = paginate(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var ev domain.OrderEvent
		var side, orderType, eventType string
		if err := rows.Scan(&ev.Seq, &ev.MasterOrderID, &ev.Symbol, &side,
			&ev.Quantity, &ev.FilledQty, &ev.Price, &orderType, &eventType, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Side = domain.OrderSide(side)
		ev.OrderType = domain.OrderType(orderType)
		ev.Type = domain.EventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Get returns a single event by sequence number.
func (s *EventStore) Get(ctx context.Context, seq int64) (domain.OrderEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT seq, master_order_id, symbol, side, quantity, filled_qty, price, order_type, event_type, observed_at
		 FROM master_events WHERE seq = $1`, seq)

	var ev domain.OrderEvent
	var side, orderType, eventType string
	err := row.Scan(&ev.Seq, &ev.MasterOrderID, &ev.Symbol, &side,
		&ev.Quantity, &ev.FilledQty, &ev.Price, &orderType, &eventType, &ev.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderEvent{}, domain.ErrNotFound
		}
		return domain.OrderEvent{}, fmt.Errorf("postgres: get event %d: %w", seq, err)
	}
	ev.Side = domain.OrderSide(side)
	ev.OrderType = domain.OrderType(orderType)
	ev.Type = domain.EventType(eventType)
	return ev, nil
}
