package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// ReconStore persists reconciliation outcomes. Snapshots and discrepancies
// are stored as JSONB so the dashboard can render full pass detail without a
// join fan-out.
type ReconStore struct {
	pool *pgxpool.Pool
}

var _ domain.ReconStore = (*ReconStore)(nil)

// NewReconStore creates a ReconStore backed by the given pool.
func NewReconStore(pool *pgxpool.Pool) *ReconStore {
	return &ReconStore{pool: pool}
}

// Insert records one reconciliation pass.
func (s *ReconStore) Insert(ctx context.Context, rec domain.ReconciliationRecord) error {
	expected, err := json.Marshal(rec.Expected)
	if err != nil {
		return fmt.Errorf("postgres: marshal expected snapshot: %w", err)
	}
	observed, err := json.Marshal(rec.Observed)
	if err != nil {
		return fmt.Errorf("postgres: marshal observed snapshot: %w", err)
	}
	discrepancies := []byte("[]")
	if len(rec.Discrepancies) > 0 {
		discrepancies, err = json.Marshal(rec.Discrepancies)
		if err != nil {
			return fmt.Errorf("postgres: marshal discrepancies: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO reconciliations (id, follower_account_id, expected, observed, discrepancies, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.FollowerAccountID, expected, observed, discrepancies, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert reconciliation %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the follower's most recent passes, newest first.
func (s *ReconStore) ListRecent(ctx context.Context, followerID string, limit int) ([]domain.ReconciliationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, follower_account_id, expected, observed, discrepancies, created_at
		 FROM reconciliations WHERE follower_account_id = $1
		 ORDER BY created_at DESC LIMIT $2`, followerID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent reconciliations: %w", err)
	}
	defer rows.Close()

	return scanReconRows(rows)
}

// OpenDiscrepancies returns the discrepancies from each follower's latest
// pass. A clean latest pass contributes nothing even if older passes
// diverged.
func (s *ReconStore) OpenDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (follower_account_id) discrepancies
		 FROM reconciliations
		 ORDER BY follower_account_id, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: open discrepancies: %w", err)
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan discrepancies: %w", err)
		}
		var ds []domain.Discrepancy
		if err := json.Unmarshal(raw, &ds); err != nil {
			return nil, fmt.Errorf("postgres: decode discrepancies: %w", err)
		}
		out = append(out, ds...)
	}
	return out, rows.Err()
}

// ListBefore returns passes recorded before the cutoff, for archival.
func (s *ReconStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ReconciliationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, follower_account_id, expected, observed, discrepancies, created_at
		 FROM reconciliations WHERE created_at < $1 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliations before cutoff: %w", err)
	}
	defer rows.Close()

	return scanReconRows(rows)
}

func scanReconRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.ReconciliationRecord, error) {
	var out []domain.ReconciliationRecord
	for rows.Next() {
		var rec domain.ReconciliationRecord
		var expected, observed, discrepancies []byte
		if err := rows.Scan(&rec.ID, &rec.FollowerAccountID, &expected, &observed, &discrepancies, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation: %w", err)
		}
		if err := json.Unmarshal(expected, &rec.Expected); err != nil {
			return nil, fmt.Errorf("postgres: decode expected snapshot: %w", err)
		}
		if err := json.Unmarshal(observed, &rec.Observed); err != nil {
			return nil, fmt.Errorf("postgres: decode observed snapshot: %w", err)
		}
		if err := json.Unmarshal(discrepancies, &rec.Discrepancies); err != nil {
			return nil, fmt.Errorf("postgres: decode discrepancies: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
