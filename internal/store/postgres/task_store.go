package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// TaskStore implements domain.TaskStore using PostgreSQL. State advancements
// are transactional: the task row update and the transition append commit
// together or not at all.
type TaskStore struct {
	pool *pgxpool.Pool
}

var _ domain.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Create inserts a new task in its initial state.
func (s *TaskStore) Create(ctx context.Context, t domain.ReplicationTask) error {
	const query = `
		INSERT INTO replication_tasks (
			idempotency_key, master_order_id, follower_account_id, master_event_seq,
			event_type, symbol, side, quantity, filled_qty, price, order_type,
			state, attempts, last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`

	_, err := s.pool.Exec(ctx, query,
		t.IdempotencyKey, t.Key.MasterOrderID, t.Key.FollowerAccountID, t.Key.MasterEventSeq,
		string(t.EventType), t.Symbol, string(t.Side), t.Quantity, t.FilledQty, t.Price, string(t.OrderType),
		string(t.State), t.Attempts, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create task %s: %w", t.IdempotencyKey, err)
	}
	return nil
}

// GetByIdempotencyKey retrieves a single task.
func (s *TaskStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.ReplicationTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskSelectCols+` FROM replication_tasks WHERE idempotency_key = $1`, key)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReplicationTask{}, domain.ErrNotFound
		}
		return domain.ReplicationTask{}, fmt.Errorf("postgres: get task %s: %w", key, err)
	}
	return t, nil
}

// Advance moves the task to the given state and appends the transition,
// validating the step against the task's current persisted state.
func (s *TaskStore) Advance(ctx context.Context, key string, to domain.TaskState, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := advanceInTx(ctx, tx, key, to, reason); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit advance: %w", err)
	}
	return nil
}

func advanceInTx(ctx context.Context, tx pgx.Tx, key string, to domain.TaskState, reason string) error {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT state FROM replication_tasks WHERE idempotency_key = $1 FOR UPDATE`, key,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock task %s: %w", key, err)
	}

	from := domain.TaskState(current)
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrBadTransition, from, to)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE replication_tasks SET state = $1, updated_at = NOW() WHERE idempotency_key = $2`,
		string(to), key,
	); err != nil {
		return fmt.Errorf("postgres: update task state %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO task_transitions (idempotency_key, from_state, to_state, reason) VALUES ($1, $2, $3, $4)`,
		key, string(from), string(to), reason,
	); err != nil {
		return fmt.Errorf("postgres: append transition %s: %w", key, err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter and records the error text.
func (s *TaskStore) IncrementAttempts(ctx context.Context, key string, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE replication_tasks
		 SET attempts = attempts + 1, last_error = $1, updated_at = NOW()
		 WHERE idempotency_key = $2`,
		lastError, key,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment attempts %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByFollower returns the follower's tasks ordered by event sequence.
func (s *TaskStore) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	query := `SELECT ` + taskSelectCols + ` FROM replication_tasks
		WHERE follower_account_id = $1 ORDER BY master_event_seq`
	args := []any{followerID}
	query, args = paginate(query, args, opts)

	return s.queryTasks(ctx, "list by follower", query, args...)
}

// ListByState returns tasks in the given state ordered by event sequence, so
// startup recovery re-dispatches work in the original order.
func (s *TaskStore) ListByState(ctx context.Context, state domain.TaskState, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	query := `SELECT ` + taskSelectCols + ` FROM replication_tasks
		WHERE state = $1 ORDER BY master_event_seq`
	args := []any{string(state)}
	query, args = paginate(query, args, opts)

	return s.queryTasks(ctx, "list by state", query, args...)
}

// ListConfirmedByFollower returns the confirmed tasks that define the
// follower's expected broker state.
func (s *TaskStore) ListConfirmedByFollower(ctx context.Context, followerID string) ([]domain.ReplicationTask, error) {
	return s.queryTasks(ctx, "list confirmed",
		`SELECT `+taskSelectCols+` FROM replication_tasks
		 WHERE follower_account_id = $1 AND state = $2 ORDER BY master_event_seq`,
		followerID, string(domain.TaskConfirmed))
}

// AbortPending aborts every non-terminal task for the follower, walking each
// task through the legal steps to Aborted and appending the transitions.
func (s *TaskStore) AbortPending(ctx context.Context, followerID string, reason string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin abort tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT idempotency_key, state FROM replication_tasks
		 WHERE follower_account_id = $1 AND state IN ($2, $3, $4)
		 ORDER BY master_event_seq FOR UPDATE`,
		followerID,
		string(domain.TaskPending), string(domain.TaskSubmitted), string(domain.TaskFailedRetry),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: list abortable tasks: %w", err)
	}

	type pending struct {
		key   string
		state domain.TaskState
	}
	var targets []pending
	for rows.Next() {
		var p pending
		var state string
		if err := rows.Scan(&p.key, &state); err != nil {
			rows.Close()
			return 0, fmt.Errorf("postgres: scan abortable task: %w", err)
		}
		p.state = domain.TaskState(state)
		targets = append(targets, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("postgres: iterate abortable tasks: %w", err)
	}

	for _, p := range targets {
		for _, step := range abortPath(p.state) {
			if err := abortStepInTx(ctx, tx, p.key, step, reason); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit abort: %w", err)
	}
	return int64(len(targets)), nil
}

// abortPath lists the legal transition steps from the given state to Aborted.
// Every abort routes through FailedFatal so transition histories read the same
// regardless of where the task was interrupted.
func abortPath(from domain.TaskState) []domain.TaskState {
	switch from {
	case domain.TaskPending, domain.TaskSubmitted, domain.TaskFailedRetry:
		return []domain.TaskState{domain.TaskFailedFatal, domain.TaskAborted}
	default:
		return nil
	}
}

func abortStepInTx(ctx context.Context, tx pgx.Tx, key string, to domain.TaskState, reason string) error {
	var current string
	if err := tx.QueryRow(ctx,
		`SELECT state FROM replication_tasks WHERE idempotency_key = $1`, key,
	).Scan(&current); err != nil {
		return fmt.Errorf("postgres: reread task %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE replication_tasks SET state = $1, last_error = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		string(to), reason, key,
	); err != nil {
		return fmt.Errorf("postgres: abort task %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO task_transitions (idempotency_key, from_state, to_state, reason) VALUES ($1, $2, $3, $4)`,
		key, current, string(to), reason,
	); err != nil {
		return fmt.Errorf("postgres: append abort transition %s: %w", key, err)
	}
	return nil
}

// CountByState returns per-state task counts for one follower.
func (s *TaskStore) CountByState(ctx context.Context, followerID string) (map[domain.TaskState]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM replication_tasks
		 WHERE follower_account_id = $1 GROUP BY state`, followerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan task count: %w", err)
		}
		counts[domain.TaskState(state)] = n
	}
	return counts, rows.Err()
}

// Transitions returns the task's state history in order.
func (s *TaskStore) Transitions(ctx context.Context, key string) ([]domain.TaskTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.from_state, t.to_state, t.reason, t.occurred_at,
		        r.master_order_id, r.follower_account_id, r.master_event_seq
		 FROM task_transitions t
		 JOIN replication_tasks r ON r.idempotency_key = t.idempotency_key
		 WHERE t.idempotency_key = $1 ORDER BY t.id`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskTransition
	for rows.Next() {
		var tr domain.TaskTransition
		var from, to string
		if err := rows.Scan(&from, &to, &tr.Reason, &tr.At,
			&tr.Key.MasterOrderID, &tr.Key.FollowerAccountID, &tr.Key.MasterEventSeq); err != nil {
			return nil, fmt.Errorf("postgres: scan transition: %w", err)
		}
		tr.From = domain.TaskState(from)
		tr.To = domain.TaskState(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListTerminalBefore returns terminal tasks last updated before the cutoff.
func (s *TaskStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ReplicationTask, error) {
	return s.queryTasks(ctx, "list terminal",
		`SELECT `+taskSelectCols+` FROM replication_tasks
		 WHERE state IN ($1, $2, $3, $4) AND updated_at < $5
		 ORDER BY master_event_seq`,
		string(domain.TaskConfirmed), string(domain.TaskAborted),
		string(domain.TaskSkipped), string(domain.TaskFailedFatal),
		before)
}

const taskSelectCols = `idempotency_key, master_order_id, follower_account_id, master_event_seq,
	event_type, symbol, side, quantity, filled_qty, price, order_type,
	state, attempts, last_error, created_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (domain.ReplicationTask, error) {
	var t domain.ReplicationTask
	var eventType, side, orderType, state string

	err := scanner.Scan(
		&t.IdempotencyKey, &t.Key.MasterOrderID, &t.Key.FollowerAccountID, &t.Key.MasterEventSeq,
		&eventType, &t.Symbol, &side, &t.Quantity, &t.FilledQty, &t.Price, &orderType,
		&state, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.ReplicationTask{}, err
	}

	t.EventType = domain.EventType(eventType)
	t.Side = domain.OrderSide(side)
	t.OrderType = domain.OrderType(orderType)
	t.State = domain.TaskState(state)
	return t, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]domain.ReplicationTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var tasks []domain.ReplicationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task (%s): %w", op, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	idx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
	}
	return query, args
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
