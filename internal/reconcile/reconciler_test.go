package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeBroker struct {
	mu        sync.Mutex
	orders    []domain.BrokerOrder
	positions map[string]int
	listErr   error
	cancelled []int64
	cancelErr error
}

func (b *fakeBroker) ListOrders(ctx context.Context, token string, accountID int64) ([]domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]domain.BrokerOrder(nil), b.orders...), nil
}

func (b *fakeBroker) ListPositions(ctx context.Context, token string, accountID int64) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, token string, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, orderID)
	return nil
}

type fakeSessions struct{}

func (fakeSessions) Acquire(ctx context.Context, accountID string) (domain.Session, error) {
	return domain.Session{
		AccountID:       accountID,
		BrokerAccountID: 7,
		AccessToken:     "token",
		ExpiresAt:       time.Now().Add(time.Hour),
	}, nil
}

func (fakeSessions) Enabled(accountID string) bool { return true }

type nopGovernor struct{}

func (nopGovernor) Acquire(ctx context.Context, accountID string) error { return nil }
func (nopGovernor) Penalize(accountID string, retryAfter time.Duration) {}

type fakeMaster map[string]int

func (m fakeMaster) MasterPositions() map[string]int { return m }

type fixedLots int

func (l fixedLots) LotSize(symbol string) int { return int(l) }

// taskStoreStub serves only the reconciler's read path.
type taskStoreStub struct {
	confirmed []domain.ReplicationTask
}

func (s *taskStoreStub) Create(ctx context.Context, task domain.ReplicationTask) error { return nil }
func (s *taskStoreStub) GetByIdempotencyKey(ctx context.Context, key string) (domain.ReplicationTask, error) {
	return domain.ReplicationTask{}, domain.ErrNotFound
}
func (s *taskStoreStub) Advance(ctx context.Context, key string, to domain.TaskState, reason string) error {
	return nil
}
func (s *taskStoreStub) IncrementAttempts(ctx context.Context, key string, lastError string) error {
	return nil
}
func (s *taskStoreStub) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	return nil, nil
}
func (s *taskStoreStub) ListByState(ctx context.Context, state domain.TaskState, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	return nil, nil
}
func (s *taskStoreStub) ListConfirmedByFollower(ctx context.Context, followerID string) ([]domain.ReplicationTask, error) {
	return s.confirmed, nil
}
func (s *taskStoreStub) AbortPending(ctx context.Context, followerID string, reason string) (int64, error) {
	return 0, nil
}
func (s *taskStoreStub) CountByState(ctx context.Context, followerID string) (map[domain.TaskState]int64, error) {
	return nil, nil
}
func (s *taskStoreStub) Transitions(ctx context.Context, key string) ([]domain.TaskTransition, error) {
	return nil, nil
}
func (s *taskStoreStub) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ReplicationTask, error) {
	return nil, nil
}

type mapStoreStub struct {
	mappings []domain.OrderMapping
}

func (s *mapStoreStub) Put(ctx context.Context, m domain.OrderMapping) error { return nil }
func (s *mapStoreStub) Get(ctx context.Context, masterOrderID, followerID string) (domain.OrderMapping, error) {
	return domain.OrderMapping{}, domain.ErrNotFound
}
func (s *mapStoreStub) ListByFollower(ctx context.Context, followerID string) ([]domain.OrderMapping, error) {
	return s.mappings, nil
}
func (s *mapStoreStub) Delete(ctx context.Context, masterOrderID, followerID string) error {
	return nil
}

type memReconStore struct {
	mu      sync.Mutex
	records []domain.ReconciliationRecord
}

func (s *memReconStore) Insert(ctx context.Context, rec domain.ReconciliationRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memReconStore) ListRecent(ctx context.Context, followerID string, limit int) ([]domain.ReconciliationRecord, error) {
	return nil, nil
}

func (s *memReconStore) OpenDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error) {
	return nil, nil
}

func (s *memReconStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ReconciliationRecord, error) {
	return nil, nil
}

func (s *memReconStore) last(t *testing.T) domain.ReconciliationRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

type fakeLock struct {
	mu       sync.Mutex
	err      error
	acquired int
}

func (l *fakeLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() {}, nil
}

type reconFixture struct {
	rec    *Reconciler
	broker *fakeBroker
	tasks  *taskStoreStub
	maps   *mapStoreStub
	recons *memReconStore
	lock   *fakeLock
	drifts map[string][]domain.Discrepancy
}

func newReconFixture(t *testing.T, cfg Config, master fakeMaster) *reconFixture {
	t.Helper()
	f := &reconFixture{
		broker: &fakeBroker{positions: map[string]int{}},
		tasks:  &taskStoreStub{},
		maps:   &mapStoreStub{},
		recons: &memReconStore{},
		lock:   &fakeLock{},
		drifts: make(map[string][]domain.Discrepancy),
	}
	follower := domain.Account{ID: "f1", Role: domain.RoleFollower, SizeRatio: 0.5}
	f.rec = New(cfg, []domain.Account{follower}, f.broker, fakeSessions{}, nopGovernor{},
		master, fixedLots(1), f.tasks, f.maps, f.recons, f.lock, discardLogger())
	f.rec.SetDriftFunc(func(followerID string, ds []domain.Discrepancy) {
		f.drifts[followerID] = ds
	})
	return f
}

func confirmedPlacement(orderID string, qty int) (domain.ReplicationTask, domain.OrderMapping) {
	key := domain.TaskKey{MasterOrderID: "m-" + orderID, FollowerAccountID: "f1", MasterEventSeq: 1}
	task := domain.ReplicationTask{
		Key:            key,
		IdempotencyKey: key.IdempotencyKey(),
		EventType:      domain.EventNew,
		Symbol:         "MESU6",
		Side:           domain.SideBuy,
		Quantity:       qty,
		Price:          100,
		OrderType:      domain.OrderTypeLimit,
		State:          domain.TaskConfirmed,
	}
	mapping := domain.OrderMapping{
		MasterOrderID:     key.MasterOrderID,
		FollowerAccountID: "f1",
		FollowerOrderID:   orderID,
		Symbol:            "MESU6",
	}
	return task, mapping
}

func TestCompareFlagsEachDivergenceOnce(t *testing.T) {
	expected := domain.StateSnapshot{
		Orders: []domain.BrokerOrder{
			{OrderID: "100", Symbol: "MESU6", Quantity: 2},
			{OrderID: "101", Symbol: "MESU6", Quantity: 1},
		},
		Positions: map[string]int{"MESU6": 3},
	}
	observed := domain.StateSnapshot{
		Orders: []domain.BrokerOrder{
			{OrderID: "100", Symbol: "MESU6", Quantity: 2},
			{OrderID: "999", Symbol: "MNQU6", Quantity: 4},
		},
		Positions: map[string]int{"MESU6": 1, "MNQU6": 4},
	}

	ds := compare("f1", expected, observed)
	require.Len(t, ds, 4)

	kinds := make(map[domain.DiscrepancyKind]int)
	for _, d := range ds {
		kinds[d.Kind]++
		assert.Equal(t, "f1", d.FollowerAccountID)
	}
	assert.Equal(t, 1, kinds[domain.DiscrepancyOrphanOrder])
	assert.Equal(t, 1, kinds[domain.DiscrepancyMissingOrder])
	assert.Equal(t, 2, kinds[domain.DiscrepancyPositionDrift])
}

func TestCompareCleanWhenStatesMatch(t *testing.T) {
	snap := domain.StateSnapshot{
		Orders:    []domain.BrokerOrder{{OrderID: "100", Symbol: "MESU6", Quantity: 2}},
		Positions: map[string]int{"MESU6": 2},
	}
	assert.Empty(t, compare("f1", snap, snap))
}

func TestRunOnceRecordsCleanPass(t *testing.T) {
	f := newReconFixture(t, Config{}, fakeMaster{"MESU6": 4})
	task, mapping := confirmedPlacement("100", 2)
	f.tasks.confirmed = []domain.ReplicationTask{task}
	f.maps.mappings = []domain.OrderMapping{mapping}
	f.broker.orders = []domain.BrokerOrder{{OrderID: "100", Symbol: "MESU6", Side: domain.SideBuy, Quantity: 2, Status: "Working"}}
	f.broker.positions = map[string]int{"MESU6": 2}

	f.rec.RunOnce(context.Background())

	rec := f.recons.last(t)
	assert.True(t, rec.Clean())
	assert.Empty(t, f.drifts)
	assert.Equal(t, 1, f.lock.acquired)
}

func TestRunOnceFlagsDriftAndNotifies(t *testing.T) {
	f := newReconFixture(t, Config{}, fakeMaster{"MESU6": 4})
	f.broker.positions = map[string]int{"MESU6": 5}

	f.rec.RunOnce(context.Background())

	rec := f.recons.last(t)
	require.Len(t, rec.Discrepancies, 1)
	d := rec.Discrepancies[0]
	assert.Equal(t, domain.DiscrepancyPositionDrift, d.Kind)
	assert.Equal(t, 2, d.ExpectedQty)
	assert.Equal(t, 5, d.ObservedQty)
	assert.Len(t, f.drifts["f1"], 1)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	f := newReconFixture(t, Config{}, fakeMaster{})
	f.lock.err = domain.ErrLockHeld

	f.rec.RunOnce(context.Background())

	f.recons.mu.Lock()
	defer f.recons.mu.Unlock()
	assert.Empty(t, f.recons.records)
}

func TestAutoCancelCorrectsOrphansOnly(t *testing.T) {
	f := newReconFixture(t, Config{AutoCancel: true}, fakeMaster{})
	task, mapping := confirmedPlacement("100", 2)
	f.tasks.confirmed = []domain.ReplicationTask{task}
	f.maps.mappings = []domain.OrderMapping{mapping}
	// 100 is expected but gone, 999 is live but unexpected.
	f.broker.orders = []domain.BrokerOrder{{OrderID: "999", Symbol: "MNQU6", Quantity: 1, Status: "Working"}}

	f.rec.RunOnce(context.Background())

	assert.Equal(t, []int64{999}, f.broker.cancelled)

	rec := f.recons.last(t)
	for _, d := range rec.Discrepancies {
		switch d.Kind {
		case domain.DiscrepancyOrphanOrder:
			assert.True(t, d.Corrected)
		default:
			assert.False(t, d.Corrected)
		}
	}
}

func TestObservedStateDropsClosedOrders(t *testing.T) {
	f := newReconFixture(t, Config{}, fakeMaster{})
	f.broker.orders = []domain.BrokerOrder{
		{OrderID: "1", Status: "Working"},
		{OrderID: "2", Status: "Filled"},
		{OrderID: "3", Status: "Canceled"},
		{OrderID: "4", Status: "Rejected"},
	}

	snap, err := f.rec.observedState(context.Background(), domain.Account{ID: "f1"})
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "1", snap.Orders[0].OrderID)
}
