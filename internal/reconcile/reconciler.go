// Package reconcile periodically compares each follower's expected broker
// state, derived from confirmed replication tasks and order mappings, against
// the state the broker actually reports, records every divergence and
// optionally corrects orphan orders by cancellation. Correction only ever
// removes exposure; the reconciler never submits an order that opens one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// Broker is the slice of the broker client the reconciler reads and corrects
// through.
type Broker interface {
	ListOrders(ctx context.Context, token string, accountID int64) ([]domain.BrokerOrder, error)
	ListPositions(ctx context.Context, token string, accountID int64) (map[string]int, error)
	CancelOrder(ctx context.Context, token string, orderID int64) error
}

// Sessions yields authenticated sessions for follower accounts.
type Sessions interface {
	Acquire(ctx context.Context, accountID string) (domain.Session, error)
	Enabled(accountID string) bool
}

// Governor gates broker calls behind the shared rate budget.
type Governor interface {
	Acquire(ctx context.Context, accountID string) error
	Penalize(accountID string, retryAfter time.Duration)
}

// MasterState exposes the poller's latest view of the master's net positions,
// used to compute per-follower position expectations.
type MasterState interface {
	MasterPositions() map[string]int
}

// LotSizer resolves the contract lot size for a symbol.
type LotSizer interface {
	LotSize(symbol string) int
}

// DriftFunc is invoked once per pass for each follower whose state diverged.
type DriftFunc func(followerID string, discrepancies []domain.Discrepancy)

// Config bounds the reconciliation loop.
type Config struct {
	Interval   time.Duration
	AutoCancel bool
	LockTTL    time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * c.Interval
	}
}

// Reconciler runs periodic expected-versus-observed comparisons over every
// enabled follower account.
type Reconciler struct {
	cfg       Config
	followers []domain.Account
	broker    Broker
	sessions  Sessions
	governor  Governor
	master    MasterState
	lots      LotSizer
	tasks     domain.TaskStore
	maps      domain.OrderMapStore
	recons    domain.ReconStore
	locks     domain.LockManager
	onDrift   DriftFunc
	logger    *slog.Logger
}

func New(
	cfg Config,
	followers []domain.Account,
	broker Broker,
	sessions Sessions,
	governor Governor,
	master MasterState,
	lots LotSizer,
	tasks domain.TaskStore,
	maps domain.OrderMapStore,
	recons domain.ReconStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		cfg:       cfg,
		followers: followers,
		broker:    broker,
		sessions:  sessions,
		governor:  governor,
		master:    master,
		lots:      lots,
		tasks:     tasks,
		maps:      maps,
		recons:    recons,
		locks:     locks,
		onDrift:   nil,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// SetDriftFunc installs the drift notification callback.
func (r *Reconciler) SetDriftFunc(fn DriftFunc) {
	r.onDrift = fn
}

// Run executes reconciliation passes at the configured interval until ctx is
// canceled. The first pass starts one full interval after Run begins, giving
// the replication engine time to drain startup backlog.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Bool("auto_cancel", r.cfg.AutoCancel))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over every enabled follower. Corrective
// action is taken under a distributed lock so two engine instances never
// cancel the same order concurrently; detection-only passes skipping the lock
// would still be safe but the lock keeps the recorded history single-writer.
func (r *Reconciler) RunOnce(ctx context.Context) {
	unlock, err := r.locks.Acquire(ctx, "reconcile", r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.Info("reconciliation pass skipped, lock held elsewhere")
			return
		}
		r.logger.Error("reconciliation lock acquire failed", slog.String("error", err.Error()))
		return
	}
	defer unlock()

	for _, f := range r.followers {
		if !r.sessions.Enabled(f.ID) {
			continue
		}
		if err := r.reconcileFollower(ctx, f); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error("follower reconciliation failed",
				slog.String("follower", f.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Reconciler) reconcileFollower(ctx context.Context, f domain.Account) error {
	expected, err := r.expectedState(ctx, f)
	if err != nil {
		return fmt.Errorf("build expected state: %w", err)
	}
	observed, err := r.observedState(ctx, f)
	if err != nil {
		if retryAfter, ok := domain.IsRateLimited(err); ok {
			r.governor.Penalize(f.ID, retryAfter)
		}
		return fmt.Errorf("snapshot broker state: %w", err)
	}

	discrepancies := compare(f.ID, expected, observed)

	if r.cfg.AutoCancel {
		r.correct(ctx, f, discrepancies)
	}

	rec := domain.ReconciliationRecord{
		ID:                uuid.NewString(),
		FollowerAccountID: f.ID,
		Expected:          expected,
		Observed:          observed,
		Discrepancies:     discrepancies,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.recons.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record reconciliation: %w", err)
	}

	if rec.Clean() {
		r.logger.Debug("follower state consistent", slog.String("follower", f.ID))
		return nil
	}

	r.logger.Warn("follower state diverged",
		slog.String("follower", f.ID),
		slog.Int("discrepancies", len(discrepancies)))
	if r.onDrift != nil {
		r.onDrift(f.ID, discrepancies)
	}
	return nil
}

// expectedState derives the follower's expected open orders from confirmed
// placement tasks with a live mapping, and its expected positions from the
// master's net positions scaled by the follower's ratio.
func (r *Reconciler) expectedState(ctx context.Context, f domain.Account) (domain.StateSnapshot, error) {
	confirmed, err := r.tasks.ListConfirmedByFollower(ctx, f.ID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	mappings, err := r.maps.ListByFollower(ctx, f.ID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	mapped := make(map[string]domain.OrderMapping, len(mappings))
	for _, m := range mappings {
		mapped[m.MasterOrderID] = m
	}

	snap := domain.StateSnapshot{
		Positions: make(map[string]int),
		TakenAt:   time.Now().UTC(),
	}

	// Only placements whose mapping is still live are expected on the book;
	// confirmed cancels deleted theirs.
	seen := make(map[string]bool)
	for _, t := range confirmed {
		m, ok := mapped[t.Key.MasterOrderID]
		if !ok || seen[m.FollowerOrderID] {
			continue
		}
		if t.EventType != domain.EventNew && t.EventType != domain.EventModified {
			continue
		}
		seen[m.FollowerOrderID] = true
		snap.Orders = append(snap.Orders, domain.BrokerOrder{
			OrderID:       m.FollowerOrderID,
			ClientOrderID: t.IdempotencyKey,
			Symbol:        t.Symbol,
			Side:          t.Side,
			Quantity:      t.Quantity,
			Price:         t.Price,
			OrderType:     t.OrderType,
		})
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].OrderID < snap.Orders[j].OrderID })

	for symbol, masterQty := range r.master.MasterPositions() {
		lot := 1
		if r.lots != nil {
			lot = r.lots.LotSize(symbol)
		}
		snap.Positions[symbol] = f.FollowerQuantity(masterQty, lot)
	}
	return snap, nil
}

// observedState snapshots the follower's live orders and net positions at the
// broker.
func (r *Reconciler) observedState(ctx context.Context, f domain.Account) (domain.StateSnapshot, error) {
	if err := r.governor.Acquire(ctx, f.ID); err != nil {
		return domain.StateSnapshot{}, err
	}
	sess, err := r.sessions.Acquire(ctx, f.ID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	orders, err := r.broker.ListOrders(ctx, sess.AccessToken, sess.BrokerAccountID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}
	if err := r.governor.Acquire(ctx, f.ID); err != nil {
		return domain.StateSnapshot{}, err
	}
	positions, err := r.broker.ListPositions(ctx, sess.AccessToken, sess.BrokerAccountID)
	if err != nil {
		return domain.StateSnapshot{}, err
	}

	snap := domain.StateSnapshot{
		Positions: positions,
		TakenAt:   time.Now().UTC(),
	}
	for _, o := range orders {
		if isLive(o.Status) {
			snap.Orders = append(snap.Orders, o)
		}
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].OrderID < snap.Orders[j].OrderID })
	return snap, nil
}

// correct cancels orphan orders. Missing orders and position drift are never
// auto-corrected: resubmitting or trading flat would open exposure the master
// does not hold, so those stay flagged for the operator.
func (r *Reconciler) correct(ctx context.Context, f domain.Account, discrepancies []domain.Discrepancy) {
	for i := range discrepancies {
		d := &discrepancies[i]
		if d.Kind != domain.DiscrepancyOrphanOrder {
			continue
		}
		orderID, err := strconv.ParseInt(d.OrderID, 10, 64)
		if err != nil {
			continue
		}
		if err := r.cancelOrphan(ctx, f, orderID); err != nil {
			r.logger.Error("orphan cancel failed",
				slog.String("follower", f.ID),
				slog.String("order_id", d.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		d.Corrected = true
		r.logger.Warn("orphan order canceled",
			slog.String("follower", f.ID),
			slog.String("order_id", d.OrderID))
	}
}

func (r *Reconciler) cancelOrphan(ctx context.Context, f domain.Account, orderID int64) error {
	if err := r.governor.Acquire(ctx, f.ID); err != nil {
		return err
	}
	sess, err := r.sessions.Acquire(ctx, f.ID)
	if err != nil {
		return err
	}
	err = r.broker.CancelOrder(ctx, sess.AccessToken, orderID)
	if retryAfter, ok := domain.IsRateLimited(err); ok {
		r.governor.Penalize(f.ID, retryAfter)
	}
	return err
}

// compare produces exactly one discrepancy per divergent order or symbol.
func compare(followerID string, expected, observed domain.StateSnapshot) []domain.Discrepancy {
	var out []domain.Discrepancy

	expByID := make(map[string]domain.BrokerOrder, len(expected.Orders))
	for _, o := range expected.Orders {
		expByID[o.OrderID] = o
	}
	obsByID := make(map[string]domain.BrokerOrder, len(observed.Orders))
	for _, o := range observed.Orders {
		obsByID[o.OrderID] = o
	}

	for _, o := range observed.Orders {
		if _, ok := expByID[o.OrderID]; !ok {
			out = append(out, domain.Discrepancy{
				Kind:              domain.DiscrepancyOrphanOrder,
				FollowerAccountID: followerID,
				Symbol:            o.Symbol,
				OrderID:           o.OrderID,
				ObservedQty:       o.Quantity,
				Detail:            "live order maps to no confirmed task",
			})
		}
	}
	for _, o := range expected.Orders {
		if _, ok := obsByID[o.OrderID]; !ok {
			out = append(out, domain.Discrepancy{
				Kind:              domain.DiscrepancyMissingOrder,
				FollowerAccountID: followerID,
				Symbol:            o.Symbol,
				OrderID:           o.OrderID,
				ExpectedQty:       o.Quantity,
				Detail:            "confirmed task has no matching live order",
			})
		}
	}

	symbols := make(map[string]bool, len(expected.Positions)+len(observed.Positions))
	for s := range expected.Positions {
		symbols[s] = true
	}
	for s := range observed.Positions {
		symbols[s] = true
	}
	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)
	for _, s := range ordered {
		exp, obs := expected.Positions[s], observed.Positions[s]
		if exp != obs {
			out = append(out, domain.Discrepancy{
				Kind:              domain.DiscrepancyPositionDrift,
				FollowerAccountID: followerID,
				Symbol:            s,
				ExpectedQty:       exp,
				ObservedQty:       obs,
				Detail:            fmt.Sprintf("net position %d, expected %d", obs, exp),
			})
		}
	}
	return out
}

func isLive(status string) bool {
	switch status {
	case "Filled", "Canceled", "Rejected", "Expired":
		return false
	default:
		return true
	}
}
