package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// LotSizer resolves the contract lot size for a symbol.
type LotSizer interface {
	LotSize(symbol string) int
}

// EnabledChecker answers whether a follower account is still eligible for new
// work. Disabled accounts are skipped at dispatch time; their queued tasks
// are aborted through OnAccountDisabled.
type EnabledChecker interface {
	Enabled(accountID string) bool
}

// Config bounds the engine and its per-follower workers.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Engine consumes the master event stream and fans each event out into one
// replication task per enabled follower. Task identity is the idempotency key
// derived from (master order, follower, event seq): a redelivered event finds
// its existing task and re-dispatches it instead of minting a duplicate.
type Engine struct {
	cfg       Config
	followers []domain.Account
	enabled   EnabledChecker
	tasks     domain.TaskStore
	lots      LotSizer
	workers   map[string]*Worker
	hook      TransitionHook
	logger    *slog.Logger
}

func New(
	cfg Config,
	followers []domain.Account,
	enabled EnabledChecker,
	broker Broker,
	sessions Sessions,
	governor Governor,
	tasks domain.TaskStore,
	maps domain.OrderMapStore,
	hook TransitionHook,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		followers: followers,
		enabled:   enabled,
		tasks:     tasks,
		lots:      nil,
		workers:   make(map[string]*Worker, len(followers)),
		hook:      hook,
		logger:    logger.With(slog.String("component", "replicate.engine")),
	}
	wcfg := WorkerConfig{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}
	for _, f := range followers {
		e.workers[f.ID] = newWorker(f, wcfg, broker, sessions, governor, tasks, maps, hook, logger)
	}
	return e
}

// SetLotSizer installs the symbol lot-size resolver. A nil sizer means every
// symbol trades in lots of one.
func (e *Engine) SetLotSizer(l LotSizer) {
	e.lots = l
}

// Run recovers unfinished tasks, starts one worker per follower and then
// dispatches events until the stream closes or ctx is canceled.
func (e *Engine) Run(ctx context.Context, events <-chan domain.OrderEvent) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		w := w
		g.Go(func() error {
			err := w.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					e.logger.Info("event stream closed")
					return nil
				}
				e.dispatch(gctx, ev)
			}
		}
	})

	return g.Wait()
}

// dispatch fans one master event out across the enabled followers. Dispatch
// never blocks on a slow follower: each worker queue is unbounded FIFO.
func (e *Engine) dispatch(ctx context.Context, ev domain.OrderEvent) {
	lot := 1
	if e.lots != nil {
		lot = e.lots.LotSize(ev.Symbol)
	}

	for _, f := range e.followers {
		if !e.enabled.Enabled(f.ID) {
			continue
		}
		if err := e.dispatchOne(ctx, ev, f, lot); err != nil {
			e.logger.Error("dispatch failed",
				slog.String("follower", f.ID),
				slog.Int64("seq", ev.Seq),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) dispatchOne(ctx context.Context, ev domain.OrderEvent, f domain.Account, lot int) error {
	key := domain.TaskKey{
		MasterOrderID:     ev.MasterOrderID,
		FollowerAccountID: f.ID,
		MasterEventSeq:    ev.Seq,
	}
	idem := key.IdempotencyKey()

	existing, err := e.tasks.GetByIdempotencyKey(ctx, idem)
	switch {
	case err == nil:
		// Redelivered event. Re-dispatch only if the task never finished.
		if existing.State.Terminal() {
			return nil
		}
		e.workers[f.ID].Enqueue(existing)
		return nil
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("task lookup: %w", err)
	}

	now := time.Now().UTC()
	task := domain.ReplicationTask{
		Key:            key,
		IdempotencyKey: idem,
		EventType:      ev.Type,
		Symbol:         ev.Symbol,
		Side:           ev.Side,
		Quantity:       f.FollowerQuantity(ev.Quantity, lot),
		FilledQty:      f.FollowerQuantity(ev.FilledQty, lot),
		Price:          ev.Price,
		OrderType:      ev.OrderType,
		State:          domain.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Raced with another delivery of the same event.
			return nil
		}
		return fmt.Errorf("create task: %w", err)
	}

	// Cancels act on the mapped follower order, so a zero quantity only
	// skips events that would submit size to the broker.
	if task.Quantity == 0 && ev.Type != domain.EventCanceled {
		if err := e.tasks.Advance(ctx, idem, domain.TaskSkipped, "scaled quantity rounds to zero"); err != nil {
			return fmt.Errorf("skip zero-sized task: %w", err)
		}
		if e.hook != nil {
			task.State = domain.TaskSkipped
			e.hook(task, domain.TaskPending, domain.TaskSkipped, "scaled quantity rounds to zero")
		}
		e.logger.Info("task skipped, scaled quantity rounds to zero",
			slog.String("follower", f.ID),
			slog.String("master_order_id", ev.MasterOrderID),
			slog.Int("master_qty", ev.Quantity),
			slog.Float64("ratio", f.SizeRatio))
		return nil
	}

	e.workers[f.ID].Enqueue(task)
	return nil
}

// recover reloads non-terminal tasks left behind by a previous run and queues
// them on their followers, preserving event-sequence order.
func (e *Engine) recover(ctx context.Context) error {
	for _, state := range []domain.TaskState{domain.TaskFailedRetry, domain.TaskPending, domain.TaskSubmitted} {
		pending, err := e.tasks.ListByState(ctx, state, domain.ListOpts{})
		if err != nil {
			return err
		}
		for _, t := range pending {
			w, ok := e.workers[t.Key.FollowerAccountID]
			if !ok {
				e.logger.Warn("recovered task for unknown follower",
					slog.String("follower", t.Key.FollowerAccountID),
					slog.String("idempotency_key", t.IdempotencyKey))
				continue
			}
			if t.State == domain.TaskFailedRetry {
				if err := e.tasks.Advance(ctx, t.IdempotencyKey, domain.TaskPending, "requeued on startup"); err != nil {
					return err
				}
				t.State = domain.TaskPending
			}
			w.Enqueue(t)
		}
		if len(pending) > 0 {
			e.logger.Info("recovered unfinished tasks",
				slog.String("state", string(state)),
				slog.Int("count", len(pending)))
		}
	}
	return nil
}

// OnAccountDisabled aborts every unfinished task of the follower. Wired as
// the session manager's disable callback.
func (e *Engine) OnAccountDisabled(ctx context.Context, accountID, reason string) {
	n, err := e.tasks.AbortPending(ctx, accountID, reason)
	if err != nil {
		e.logger.Error("abort pending tasks failed",
			slog.String("follower", accountID),
			slog.String("error", err.Error()))
		return
	}
	e.logger.Warn("account disabled, pending tasks aborted",
		slog.String("follower", accountID),
		slog.String("reason", reason),
		slog.Int64("aborted", n))
}

// QueueDepths reports the per-follower backlog for the status surface.
func (e *Engine) QueueDepths() map[string]int {
	depths := make(map[string]int, len(e.workers))
	for id, w := range e.workers {
		depths[id] = w.QueueDepth()
	}
	return depths
}
