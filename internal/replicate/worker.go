package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/platform/tradovate"
)

// Broker is the slice of the broker client the worker mutates through.
type Broker interface {
	PlaceOrder(ctx context.Context, token string, req tradovate.PlaceOrderRequest) (tradovate.PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, token string, orderID int64) error
	ModifyOrder(ctx context.Context, token string, req tradovate.ModifyOrderRequest) error
	FindOrderByClientID(ctx context.Context, token string, accountID int64, clOrdID string) (domain.BrokerOrder, error)
}

// Sessions is the slice of the session manager the worker depends on.
type Sessions interface {
	Acquire(ctx context.Context, accountID string) (domain.Session, error)
	Invalidate(accountID string)
}

// Governor gates every broker call behind the shared rate budget.
type Governor interface {
	Acquire(ctx context.Context, accountID string) error
	Penalize(accountID string, retryAfter time.Duration)
}

// TransitionHook is invoked after every persisted task state advancement, so
// the engine can fan transitions out to the signal bus, the activity log and
// the notifier without the worker knowing about any of them.
type TransitionHook func(task domain.ReplicationTask, from, to domain.TaskState, reason string)

// WorkerConfig bounds the retry behaviour of a follower worker.
type WorkerConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *WorkerConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Worker executes replication tasks for a single follower account, strictly
// in arrival order. One worker goroutine exists per follower; ordering within
// the follower is guaranteed by never processing two tasks concurrently.
type Worker struct {
	follower domain.Account
	cfg      WorkerConfig
	broker   Broker
	sessions Sessions
	governor Governor
	tasks    domain.TaskStore
	maps     domain.OrderMapStore
	queue    *taskQueue
	hook     TransitionHook
	rng      *rand.Rand
	logger   *slog.Logger
}

func newWorker(
	follower domain.Account,
	cfg WorkerConfig,
	broker Broker,
	sessions Sessions,
	governor Governor,
	tasks domain.TaskStore,
	maps domain.OrderMapStore,
	hook TransitionHook,
	logger *slog.Logger,
) *Worker {
	cfg.defaults()
	return &Worker{
		follower: follower,
		cfg:      cfg,
		broker:   broker,
		sessions: sessions,
		governor: governor,
		tasks:    tasks,
		maps:     maps,
		queue:    newTaskQueue(),
		hook:     hook,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With(slog.String("component", "replicate.worker"), slog.String("follower", follower.ID)),
	}
}

// Enqueue hands a task to the worker. Never blocks.
func (w *Worker) Enqueue(task domain.ReplicationTask) {
	w.queue.Enqueue(task)
}

// QueueDepth reports the number of tasks waiting, for the status surface.
func (w *Worker) QueueDepth() int {
	return w.queue.Len()
}

// Run drains the queue until ctx is canceled. The task currently in flight is
// allowed to finish its broker round-trip before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("follower worker started")
	defer w.logger.Info("follower worker stopped")

	for {
		task, ok := w.queue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				w.queue.Close()
				return ctx.Err()
			case <-w.queue.Wait():
				continue
			}
		}

		if err := w.process(ctx, task); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.queue.Close()
				return err
			}
			w.logger.Error("task processing failed",
				slog.String("idempotency_key", task.IdempotencyKey),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			w.queue.Close()
			return ctx.Err()
		default:
		}
	}
}

// process drives one task to a terminal state, retrying transient failures
// against the task's attempt budget. The store is the source of truth for the
// task's current state; the queued copy may be stale after a restart.
func (w *Worker) process(ctx context.Context, queued domain.ReplicationTask) error {
	task, err := w.tasks.GetByIdempotencyKey(ctx, queued.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("dequeued task missing from store", slog.String("idempotency_key", queued.IdempotencyKey))
			return nil
		}
		return fmt.Errorf("load task: %w", err)
	}
	if task.State.Terminal() {
		return nil
	}

	authRejections := 0
	for {
		err := w.attempt(ctx, &task)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if retryAfter, ok := domain.IsRateLimited(err); ok {
			// Throttling is absorbed by the governor and does not consume
			// the task's retry budget.
			w.governor.Penalize(w.follower.ID, retryAfter)
			w.logger.Warn("broker throttled, task deferred",
				slog.String("idempotency_key", task.IdempotencyKey),
				slog.Duration("retry_after", retryAfter))
			continue
		}

		if domain.IsAuthError(err) {
			// Force a token refresh and retry. Refresh failures count toward
			// the session manager's disable threshold; a broker that rejects
			// freshly refreshed tokens in flight is caught here instead, by
			// bounding the rejections against the task's attempt budget.
			w.sessions.Invalidate(w.follower.ID)
			authRejections++
			if authRejections >= w.cfg.MaxAttempts {
				return w.abort(ctx, &task,
					fmt.Sprintf("broker rejected %d refreshed tokens: %s", authRejections, err.Error()))
			}
			w.logger.Warn("auth rejection, session invalidated",
				slog.String("idempotency_key", task.IdempotencyKey),
				slog.Int("rejections", authRejections))
			continue
		}

		if errors.Is(err, domain.ErrAccountDisabled) {
			return w.abort(ctx, &task, "account disabled")
		}

		if domain.IsFatal(err) {
			return w.abort(ctx, &task, err.Error())
		}

		if domain.IsRetryable(err) {
			if task.State == domain.TaskSubmitted {
				if err := w.advance(ctx, &task, domain.TaskFailedRetry, err.Error()); err != nil {
					return err
				}
				if err := w.advance(ctx, &task, domain.TaskPending, "retry scheduled"); err != nil {
					return err
				}
			}
			if err := w.tasks.IncrementAttempts(ctx, task.IdempotencyKey, err.Error()); err != nil {
				return fmt.Errorf("increment attempts: %w", err)
			}
			task.Attempts++
			task.LastError = err.Error()

			if task.Attempts >= w.cfg.MaxAttempts {
				w.logger.Error("retry budget exhausted",
					slog.String("idempotency_key", task.IdempotencyKey),
					slog.Int("attempts", task.Attempts))
				return w.advance(ctx, &task, domain.TaskFailedFatal,
					fmt.Sprintf("retry budget exhausted after %d attempts: %s", task.Attempts, err.Error()))
			}

			delay := retryDelay(w.cfg.BackoffBase, w.cfg.BackoffMax, task.Attempts, w.rng)
			w.logger.Warn("transient failure, backing off",
				slog.String("idempotency_key", task.IdempotencyKey),
				slog.Int("attempt", task.Attempts),
				slog.Duration("delay", delay))
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		// Unknown error shape: treat as fatal rather than risk duplicate
		// submissions against the live account.
		return w.abort(ctx, &task, "unclassified error: "+err.Error())
	}
}

// attempt performs one broker round-trip for the task. A nil return means the
// task reached a terminal state.
func (w *Worker) attempt(ctx context.Context, task *domain.ReplicationTask) error {
	if err := w.governor.Acquire(ctx, w.follower.ID); err != nil {
		return err
	}
	sess, err := w.sessions.Acquire(ctx, w.follower.ID)
	if err != nil {
		return err
	}

	switch task.EventType {
	case domain.EventNew:
		return w.place(ctx, sess, task)
	case domain.EventPartiallyFilled, domain.EventFilled:
		return w.mirrorFill(ctx, sess, task)
	case domain.EventCanceled:
		return w.cancel(ctx, sess, task)
	case domain.EventModified:
		return w.modify(ctx, sess, task)
	default:
		return w.advance(ctx, task, domain.TaskSkipped, "unknown event type "+string(task.EventType))
	}
}

// place submits a fresh follower order carrying the idempotency key as the
// broker client-order-id, so a replay after an ambiguous outcome can never
// produce two live orders.
func (w *Worker) place(ctx context.Context, sess domain.Session, task *domain.ReplicationTask) error {
	if task.State == domain.TaskPending {
		if err := w.advance(ctx, task, domain.TaskSubmitted, "placement submitted"); err != nil {
			return err
		}
	}

	resp, err := w.broker.PlaceOrder(w.callContext(ctx), sess.AccessToken, tradovate.PlaceOrderRequest{
		AccountID:   sess.BrokerAccountID,
		Action:      string(task.Side),
		Symbol:      task.Symbol,
		OrderQty:    task.Quantity,
		OrderType:   string(task.OrderType),
		Price:       task.Price,
		ClOrdID:     task.IdempotencyKey,
		IsAutomated: true,
	})
	if err != nil {
		if domain.IsAmbiguous(err) {
			return w.resolveAmbiguous(ctx, sess, task, err)
		}
		return err
	}

	if err := w.maps.Put(ctx, domain.OrderMapping{
		MasterOrderID:     task.Key.MasterOrderID,
		FollowerAccountID: w.follower.ID,
		FollowerOrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:            task.Symbol,
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record order mapping: %w", err)
	}

	w.logger.Info("follower order placed",
		slog.String("master_order_id", task.Key.MasterOrderID),
		slog.Int64("follower_order_id", resp.OrderID),
		slog.String("symbol", task.Symbol),
		slog.Int("quantity", task.Quantity))
	return w.advance(ctx, task, domain.TaskConfirmed, "broker orderId "+strconv.FormatInt(resp.OrderID, 10))
}

// mirrorFill handles a master fill event. When the follower already carries a
// mapped order the fill replicates by itself at the broker and the task
// confirms as a no-op; when the master order filled before it was ever seen
// working, the follower mirrors the filled portion with a market order.
func (w *Worker) mirrorFill(ctx context.Context, sess domain.Session, task *domain.ReplicationTask) error {
	_, err := w.maps.Get(ctx, task.Key.MasterOrderID, w.follower.ID)
	switch {
	case err == nil:
		if task.State == domain.TaskPending {
			if err := w.advance(ctx, task, domain.TaskSubmitted, "fill tracked via mapped order"); err != nil {
				return err
			}
		}
		return w.advance(ctx, task, domain.TaskConfirmed, "mapped follower order fills at broker")
	case errors.Is(err, domain.ErrNotFound):
		// Master order was filled before a working snapshot was ever taken.
		// Mirror only what actually filled; the unfilled remainder never
		// executed on the master and must not execute on the follower.
		qty := task.FilledQty
		if qty == 0 && task.EventType == domain.EventFilled {
			qty = task.Quantity
		}
		if qty == 0 {
			return w.advance(ctx, task, domain.TaskSkipped, "scaled fill rounds to zero")
		}
		task.Quantity = qty
		task.OrderType = domain.OrderTypeMarket
		task.Price = 0
		return w.place(ctx, sess, task)
	default:
		return fmt.Errorf("lookup order mapping: %w", err)
	}
}

func (w *Worker) cancel(ctx context.Context, sess domain.Session, task *domain.ReplicationTask) error {
	mapping, err := w.maps.Get(ctx, task.Key.MasterOrderID, w.follower.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return w.advance(ctx, task, domain.TaskSkipped, "no follower order to cancel")
	}
	if err != nil {
		return fmt.Errorf("lookup order mapping: %w", err)
	}

	orderID, err := strconv.ParseInt(mapping.FollowerOrderID, 10, 64)
	if err != nil {
		return w.advance(ctx, task, domain.TaskFailedFatal, "corrupt order mapping: "+mapping.FollowerOrderID)
	}

	if task.State == domain.TaskPending {
		if err := w.advance(ctx, task, domain.TaskSubmitted, "cancel submitted"); err != nil {
			return err
		}
	}
	if err := w.broker.CancelOrder(w.callContext(ctx), sess.AccessToken, orderID); err != nil {
		if domain.IsAmbiguous(err) {
			// A lost cancel acknowledgement is benign: the reconciler flags
			// the order if it is still live on the next pass. Retry it.
			return &domain.TransientNetworkError{Op: "cancelorder", Err: err}
		}
		var rejection *domain.BrokerRejectionError
		if errors.As(err, &rejection) {
			// Already canceled or filled at the broker. Target state reached.
			if delErr := w.maps.Delete(ctx, task.Key.MasterOrderID, w.follower.ID); delErr != nil {
				return fmt.Errorf("drop order mapping: %w", delErr)
			}
			return w.advance(ctx, task, domain.TaskConfirmed, "order already closed at broker")
		}
		return err
	}

	if err := w.maps.Delete(ctx, task.Key.MasterOrderID, w.follower.ID); err != nil {
		return fmt.Errorf("drop order mapping: %w", err)
	}
	w.logger.Info("follower order canceled",
		slog.String("master_order_id", task.Key.MasterOrderID),
		slog.Int64("follower_order_id", orderID))
	return w.advance(ctx, task, domain.TaskConfirmed, "cancel acknowledged")
}

// modify reprices or resizes the mapped follower order. Without a mapping the
// modification degrades to a fresh placement at the modified terms.
func (w *Worker) modify(ctx context.Context, sess domain.Session, task *domain.ReplicationTask) error {
	mapping, err := w.maps.Get(ctx, task.Key.MasterOrderID, w.follower.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return w.place(ctx, sess, task)
	}
	if err != nil {
		return fmt.Errorf("lookup order mapping: %w", err)
	}

	orderID, err := strconv.ParseInt(mapping.FollowerOrderID, 10, 64)
	if err != nil {
		return w.advance(ctx, task, domain.TaskFailedFatal, "corrupt order mapping: "+mapping.FollowerOrderID)
	}

	if task.State == domain.TaskPending {
		if err := w.advance(ctx, task, domain.TaskSubmitted, "modify submitted"); err != nil {
			return err
		}
	}
	if err := w.broker.ModifyOrder(w.callContext(ctx), sess.AccessToken, tradovate.ModifyOrderRequest{
		OrderID:   orderID,
		OrderQty:  task.Quantity,
		OrderType: string(task.OrderType),
		Price:     task.Price,
	}); err != nil {
		if domain.IsAmbiguous(err) {
			// Modify is idempotent against the same target terms; resubmit.
			return &domain.TransientNetworkError{Op: "modifyorder", Err: err}
		}
		return err
	}

	w.logger.Info("follower order modified",
		slog.String("master_order_id", task.Key.MasterOrderID),
		slog.Int64("follower_order_id", orderID),
		slog.Int("quantity", task.Quantity))
	return w.advance(ctx, task, domain.TaskConfirmed, "modify acknowledged")
}

// resolveAmbiguous looks the order up by client-order-id before any
// resubmission. Finding it means the placement landed and the timeout only
// swallowed the acknowledgement.
func (w *Worker) resolveAmbiguous(ctx context.Context, sess domain.Session, task *domain.ReplicationTask, cause error) error {
	if err := w.governor.Acquire(ctx, w.follower.ID); err != nil {
		return err
	}
	order, err := w.broker.FindOrderByClientID(ctx, sess.AccessToken, sess.BrokerAccountID, task.IdempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		// The order never reached the book. Safe to resubmit.
		return &domain.TransientNetworkError{Op: "placeorder", Err: cause}
	}
	if err != nil {
		return err
	}

	if err := w.maps.Put(ctx, domain.OrderMapping{
		MasterOrderID:     task.Key.MasterOrderID,
		FollowerAccountID: w.follower.ID,
		FollowerOrderID:   order.OrderID,
		Symbol:            task.Symbol,
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record order mapping: %w", err)
	}
	w.logger.Info("ambiguous placement resolved as landed",
		slog.String("master_order_id", task.Key.MasterOrderID),
		slog.String("follower_order_id", order.OrderID))
	return w.advance(ctx, task, domain.TaskConfirmed, "placement located by client order id")
}

// abort drives the task through FailedFatal into Aborted.
func (w *Worker) abort(ctx context.Context, task *domain.ReplicationTask, reason string) error {
	if task.State != domain.TaskFailedFatal {
		if err := w.advance(ctx, task, domain.TaskFailedFatal, reason); err != nil {
			return err
		}
	}
	return w.advance(ctx, task, domain.TaskAborted, reason)
}

func (w *Worker) advance(ctx context.Context, task *domain.ReplicationTask, to domain.TaskState, reason string) error {
	from := task.State
	if err := w.tasks.Advance(ctx, task.IdempotencyKey, to, reason); err != nil {
		return fmt.Errorf("advance %s -> %s: %w", from, to, err)
	}
	task.State = to
	task.UpdatedAt = time.Now().UTC()
	if w.hook != nil {
		w.hook(*task, from, to, reason)
	}
	return nil
}

// callContext shields an in-flight mutating call from shutdown cancellation.
// The client's own request timeout still bounds it, so teardown waits at most
// one round-trip.
func (w *Worker) callContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
