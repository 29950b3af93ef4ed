package replicate

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

type recGovernor struct {
	mu        sync.Mutex
	penalties []time.Duration
}

func (g *recGovernor) Acquire(ctx context.Context, accountID string) error { return nil }

func (g *recGovernor) Penalize(accountID string, retryAfter time.Duration) {
	g.mu.Lock()
	g.penalties = append(g.penalties, retryAfter)
	g.mu.Unlock()
}

type workerFixture struct {
	worker      *Worker
	broker      *scriptedBroker
	sessions    *stubSessions
	governor    Governor
	tasks       *memTaskStore
	maps        *memMapStore
	transitions []string
}

func newWorkerFixture(t *testing.T, gov Governor) *workerFixture {
	t.Helper()
	if gov == nil {
		gov = nopGovernor{}
	}
	f := &workerFixture{
		broker:   &scriptedBroker{},
		sessions: &stubSessions{disabled: map[string]bool{}},
		governor: gov,
		tasks:    newMemTaskStore(),
		maps:     newMemMapStore(),
	}
	hook := func(task domain.ReplicationTask, from, to domain.TaskState, reason string) {
		f.transitions = append(f.transitions, string(from)+">"+string(to))
	}
	follower := domain.Account{ID: "f1", Role: domain.RoleFollower, SizeRatio: 1}
	f.worker = newWorker(follower, WorkerConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, f.broker, f.sessions, gov, f.tasks, f.maps, hook, discardLogger())
	return f
}

func (f *workerFixture) seed(t *testing.T, task domain.ReplicationTask) domain.ReplicationTask {
	t.Helper()
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func TestWorkerPlacesOrderAndConfirms(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := f.seed(t, taskWithSeq(1))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))

	placed := f.broker.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, task.IdempotencyKey, placed[0].ClOrdID)
	assert.Equal(t, "MESU6", placed[0].Symbol)
	assert.Equal(t, 2, placed[0].OrderQty)
	assert.True(t, placed[0].IsAutomated)

	mapping, err := f.maps.Get(context.Background(), "m1", "f1")
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(9001, 10), mapping.FollowerOrderID)

	assert.Equal(t, []string{"pending>submitted", "submitted>confirmed"}, f.transitions)
}

func TestWorkerRejectionAborts(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.broker.placeErrs = []error{&domain.BrokerRejectionError{Code: "InsufficientMargin", Msg: "no margin"}}
	task := f.seed(t, taskWithSeq(2))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskAborted, f.tasks.state(task.IdempotencyKey))
	assert.Equal(t, []string{"pending>submitted", "submitted>failed_fatal", "failed_fatal>aborted"}, f.transitions)

	_, err := f.maps.Get(context.Background(), "m1", "f1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerTransientRetriesThenSucceeds(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.broker.placeErrs = []error{
		&domain.TransientNetworkError{Op: "placeorder", Err: errors.New("conn reset")},
		nil,
	}
	task := f.seed(t, taskWithSeq(3))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Len(t, f.broker.placed(), 2)

	final, err := f.tasks.GetByIdempotencyKey(context.Background(), task.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Attempts)
}

func TestWorkerRetryBudgetExhausted(t *testing.T) {
	f := newWorkerFixture(t, nil)
	transient := &domain.TransientNetworkError{Op: "placeorder", Err: errors.New("timeout dialing")}
	f.broker.placeErrs = []error{transient, transient, transient}
	task := f.seed(t, taskWithSeq(4))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskFailedFatal, f.tasks.state(task.IdempotencyKey))

	final, err := f.tasks.GetByIdempotencyKey(context.Background(), task.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 3, final.Attempts)
	assert.Contains(t, final.LastError, "timeout dialing")
}

func TestWorkerRateLimitDoesNotConsumeBudget(t *testing.T) {
	gov := &recGovernor{}
	f := newWorkerFixture(t, gov)
	f.broker.placeErrs = []error{
		&domain.RateLimitedError{RetryAfter: 250 * time.Millisecond},
		nil,
	}
	task := f.seed(t, taskWithSeq(5))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	require.Len(t, gov.penalties, 1)
	assert.Equal(t, 250*time.Millisecond, gov.penalties[0])

	final, err := f.tasks.GetByIdempotencyKey(context.Background(), task.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 0, final.Attempts)
}

func TestWorkerAuthErrorInvalidatesSessionAndRetries(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.broker.placeErrs = []error{
		&domain.AuthError{AccountID: "f1", Msg: "token expired"},
		nil,
	}
	task := f.seed(t, taskWithSeq(6))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Equal(t, 1, f.sessions.invalidated)
}

func TestWorkerPersistentAuthRejectionAborts(t *testing.T) {
	// Token refresh keeps succeeding but the broker rejects every refreshed
	// token, so the invalidate-and-retry loop must terminate on its own.
	f := newWorkerFixture(t, nil)
	reject := &domain.AuthError{AccountID: "f1", Msg: "access denied"}
	f.broker.placeErrs = []error{reject, reject, reject, reject}
	task := f.seed(t, taskWithSeq(18))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskAborted, f.tasks.state(task.IdempotencyKey))
	assert.Equal(t, 3, f.sessions.invalidated)
	assert.Len(t, f.broker.placed(), 3)
}

func TestWorkerDisabledAccountAborts(t *testing.T) {
	f := newWorkerFixture(t, nil)
	f.sessions.err = domain.ErrAccountDisabled
	task := f.seed(t, taskWithSeq(7))

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskAborted, f.tasks.state(task.IdempotencyKey))
	assert.Empty(t, f.broker.placed())
}

func TestWorkerCancelWithoutMappingSkips(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(8)
	task.EventType = domain.EventCanceled
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskSkipped, f.tasks.state(task.IdempotencyKey))
	assert.Empty(t, f.broker.cancelled)
}

func TestWorkerCancelRemovesMapping(t *testing.T) {
	f := newWorkerFixture(t, nil)
	require.NoError(t, f.maps.Put(context.Background(), domain.OrderMapping{
		MasterOrderID:     "m1",
		FollowerAccountID: "f1",
		FollowerOrderID:   "7777",
		Symbol:            "MESU6",
	}))
	task := taskWithSeq(9)
	task.EventType = domain.EventCanceled
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Equal(t, []int64{7777}, f.broker.cancelled)

	_, err := f.maps.Get(context.Background(), "m1", "f1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerCancelRejectionMeansAlreadyClosed(t *testing.T) {
	f := newWorkerFixture(t, nil)
	require.NoError(t, f.maps.Put(context.Background(), domain.OrderMapping{
		MasterOrderID:     "m1",
		FollowerAccountID: "f1",
		FollowerOrderID:   "7778",
	}))
	f.broker.cancelErr = &domain.BrokerRejectionError{Code: "TooLate", Msg: "order already filled"}
	task := taskWithSeq(10)
	task.EventType = domain.EventCanceled
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	_, err := f.maps.Get(context.Background(), "m1", "f1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerAmbiguousPlacementResolvedAsLanded(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := f.seed(t, taskWithSeq(11))
	f.broker.placeErrs = []error{&domain.AmbiguousOutcomeError{
		ClientOrderID: task.IdempotencyKey,
		Err:           errors.New("request timeout"),
	}}
	f.broker.findOrder = &domain.BrokerOrder{
		OrderID:       "8888",
		ClientOrderID: task.IdempotencyKey,
		Symbol:        "MESU6",
		Status:        "Working",
	}

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Len(t, f.broker.placed(), 1)

	mapping, err := f.maps.Get(context.Background(), "m1", "f1")
	require.NoError(t, err)
	assert.Equal(t, "8888", mapping.FollowerOrderID)
}

func TestWorkerAmbiguousPlacementNotFoundResubmits(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := f.seed(t, taskWithSeq(12))
	f.broker.placeErrs = []error{
		&domain.AmbiguousOutcomeError{ClientOrderID: task.IdempotencyKey, Err: errors.New("request timeout")},
		nil,
	}

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Len(t, f.broker.placed(), 2)
}

func TestWorkerMirrorFillWithMappingConfirmsWithoutOrder(t *testing.T) {
	f := newWorkerFixture(t, nil)
	require.NoError(t, f.maps.Put(context.Background(), domain.OrderMapping{
		MasterOrderID:     "m1",
		FollowerAccountID: "f1",
		FollowerOrderID:   "5555",
	}))
	task := taskWithSeq(13)
	task.EventType = domain.EventFilled
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	assert.Empty(t, f.broker.placed())
}

func TestWorkerMirrorFillWithoutMappingPlacesMarketOrder(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(14)
	task.EventType = domain.EventFilled
	task.FilledQty = task.Quantity
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	placed := f.broker.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, string(domain.OrderTypeMarket), placed[0].OrderType)
	assert.Equal(t, 2, placed[0].OrderQty)
	assert.Zero(t, placed[0].Price)
}

func TestWorkerUnmappedPartialFillMirrorsFilledPortionOnly(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(19)
	task.EventType = domain.EventPartiallyFilled
	task.Quantity = 4
	task.FilledQty = 1
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	placed := f.broker.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, string(domain.OrderTypeMarket), placed[0].OrderType)
	assert.Equal(t, 1, placed[0].OrderQty)
}

func TestWorkerUnmappedPartialFillRoundingToZeroSkips(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(20)
	task.EventType = domain.EventPartiallyFilled
	task.Quantity = 2
	task.FilledQty = 0
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskSkipped, f.tasks.state(task.IdempotencyKey))
	assert.Empty(t, f.broker.placed())
}

func TestWorkerModifyTargetsMappedOrder(t *testing.T) {
	f := newWorkerFixture(t, nil)
	require.NoError(t, f.maps.Put(context.Background(), domain.OrderMapping{
		MasterOrderID:     "m1",
		FollowerAccountID: "f1",
		FollowerOrderID:   "6666",
	}))
	task := taskWithSeq(15)
	task.EventType = domain.EventModified
	task.Quantity = 3
	task.Price = 101.5
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	require.Len(t, f.broker.modified, 1)
	assert.Equal(t, int64(6666), f.broker.modified[0].OrderID)
	assert.Equal(t, 3, f.broker.modified[0].OrderQty)
	assert.Equal(t, 101.5, f.broker.modified[0].Price)
	assert.Empty(t, f.broker.placed())
}

func TestWorkerModifyWithoutMappingPlacesAtModifiedTerms(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(16)
	task.EventType = domain.EventModified
	task.Price = 102.25
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Equal(t, domain.TaskConfirmed, f.tasks.state(task.IdempotencyKey))
	placed := f.broker.placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 102.25, placed[0].Price)
}

func TestWorkerTerminalTaskIsNoOp(t *testing.T) {
	f := newWorkerFixture(t, nil)
	task := taskWithSeq(17)
	task.State = domain.TaskConfirmed
	f.seed(t, task)

	require.NoError(t, f.worker.process(context.Background(), task))

	assert.Empty(t, f.broker.placed())
	assert.Empty(t, f.transitions)
}
