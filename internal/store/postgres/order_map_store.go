package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// OrderMapStore persists masterOrderId -> followerOrderId mappings.
type OrderMapStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderMapStore = (*OrderMapStore)(nil)

// NewOrderMapStore creates an OrderMapStore backed by the given pool.
func NewOrderMapStore(pool *pgxpool.Pool) *OrderMapStore {
	return &OrderMapStore{pool: pool}
}

// Put records a mapping, replacing any previous mapping for the same pair.
// Replacement happens when an ambiguous placement is later located by
// client-order-id on a retry.
func (s *OrderMapStore) Put(ctx context.Context, m domain.OrderMapping) error {
	const query = `
		INSERT INTO order_mappings (master_order_id, follower_account_id, follower_order_id, symbol, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (master_order_id, follower_account_id)
		DO UPDATE SET follower_order_id = EXCLUDED.follower_order_id, symbol = EXCLUDED.symbol`

	_, err := s.pool.Exec(ctx, query,
		m.MasterOrderID, m.FollowerAccountID, m.FollowerOrderID, m.Symbol, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put order mapping %s/%s: %w", m.MasterOrderID, m.FollowerAccountID, err)
	}
	return nil
}

// Get retrieves the mapping for one (master order, follower) pair.
func (s *OrderMapStore) Get(ctx context.Context, masterOrderID, followerID string) (domain.OrderMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT master_order_id, follower_account_id, follower_order_id, symbol, created_at
		 FROM order_mappings WHERE master_order_id = $1 AND follower_account_id = $2`,
		masterOrderID, followerID)

	var m domain.OrderMapping
	err := row.Scan(&m.MasterOrderID, &m.FollowerAccountID, &m.FollowerOrderID, &m.Symbol, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderMapping{}, domain.ErrNotFound
		}
		return domain.OrderMapping{}, fmt.Errorf("postgres: get order mapping %s/%s: %w", masterOrderID, followerID, err)
	}
	return m, nil
}

// ListByFollower returns every live mapping for the follower.
func (s *OrderMapStore) ListByFollower(ctx context.Context, followerID string) ([]domain.OrderMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT master_order_id, follower_account_id, follower_order_id, symbol, created_at
		 FROM order_mappings WHERE follower_account_id = $1 ORDER BY created_at`, followerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order mappings: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderMapping
	for rows.Next() {
		var m domain.OrderMapping
		if err := rows.Scan(&m.MasterOrderID, &m.FollowerAccountID, &m.FollowerOrderID, &m.Symbol, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan order mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes the mapping after a confirmed cancel.
func (s *OrderMapStore) Delete(ctx context.Context, masterOrderID, followerID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM order_mappings WHERE master_order_id = $1 AND follower_account_id = $2`,
		masterOrderID, followerID)
	if err != nil {
		return fmt.Errorf("postgres: delete order mapping %s/%s: %w", masterOrderID, followerID, err)
	}
	return nil
}
