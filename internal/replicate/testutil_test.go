package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/platform/tradovate"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func taskWithSeq(seq int64) domain.ReplicationTask {
	key := domain.TaskKey{MasterOrderID: "m1", FollowerAccountID: "f1", MasterEventSeq: seq}
	return domain.ReplicationTask{
		Key:            key,
		IdempotencyKey: key.IdempotencyKey(),
		EventType:      domain.EventNew,
		Symbol:         "MESU6",
		Side:           domain.SideBuy,
		Quantity:       2,
		Price:          100,
		OrderType:      domain.OrderTypeLimit,
		State:          domain.TaskPending,
	}
}

// memTaskStore is an in-memory domain.TaskStore that enforces the same state
// machine as the persistent one.
type memTaskStore struct {
	mu          sync.Mutex
	tasks       map[string]domain.ReplicationTask
	transitions map[string][]domain.TaskTransition
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		tasks:       make(map[string]domain.ReplicationTask),
		transitions: make(map[string][]domain.TaskTransition),
	}
}

func (s *memTaskStore) Create(ctx context.Context, task domain.ReplicationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.IdempotencyKey]; ok {
		return domain.ErrAlreadyExists
	}
	s.tasks[task.IdempotencyKey] = task
	return nil
}

func (s *memTaskStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.ReplicationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return domain.ReplicationTask{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *memTaskStore) Advance(ctx context.Context, key string, to domain.TaskState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(t.State, to) {
		return fmt.Errorf("%s -> %s: %w", t.State, to, domain.ErrBadTransition)
	}
	s.transitions[key] = append(s.transitions[key], domain.TaskTransition{
		Key:    t.Key,
		From:   t.State,
		To:     to,
		Reason: reason,
		At:     time.Now().UTC(),
	})
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	s.tasks[key] = t
	return nil
}

func (s *memTaskStore) IncrementAttempts(ctx context.Context, key string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return domain.ErrNotFound
	}
	t.Attempts++
	t.LastError = lastError
	s.tasks[key] = t
	return nil
}

func (s *memTaskStore) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReplicationTask
	for _, t := range s.tasks {
		if t.Key.FollowerAccountID == followerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListByState(ctx context.Context, state domain.TaskState, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReplicationTask
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTaskStore) ListConfirmedByFollower(ctx context.Context, followerID string) ([]domain.ReplicationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReplicationTask
	for _, t := range s.tasks {
		if t.Key.FollowerAccountID == followerID && t.State == domain.TaskConfirmed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTaskStore) AbortPending(ctx context.Context, followerID string, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, t := range s.tasks {
		if t.Key.FollowerAccountID != followerID || t.State.Terminal() {
			continue
		}
		for _, step := range []domain.TaskState{domain.TaskFailedFatal, domain.TaskAborted} {
			s.transitions[key] = append(s.transitions[key], domain.TaskTransition{
				Key: t.Key, From: t.State, To: step, Reason: reason, At: time.Now().UTC(),
			})
			t.State = step
		}
		s.tasks[key] = t
		n++
	}
	return n, nil
}

func (s *memTaskStore) CountByState(ctx context.Context, followerID string) (map[domain.TaskState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.TaskState]int64)
	for _, t := range s.tasks {
		if t.Key.FollowerAccountID == followerID {
			out[t.State]++
		}
	}
	return out, nil
}

func (s *memTaskStore) Transitions(ctx context.Context, key string) ([]domain.TaskTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TaskTransition(nil), s.transitions[key]...), nil
}

func (s *memTaskStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ReplicationTask, error) {
	return nil, nil
}

func (s *memTaskStore) state(key string) domain.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[key].State
}

// memMapStore is an in-memory domain.OrderMapStore.
type memMapStore struct {
	mu   sync.Mutex
	maps map[string]domain.OrderMapping
}

func newMemMapStore() *memMapStore {
	return &memMapStore{maps: make(map[string]domain.OrderMapping)}
}

func mapKey(masterOrderID, followerID string) string {
	return masterOrderID + "|" + followerID
}

func (s *memMapStore) Put(ctx context.Context, m domain.OrderMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[mapKey(m.MasterOrderID, m.FollowerAccountID)] = m
	return nil
}

func (s *memMapStore) Get(ctx context.Context, masterOrderID, followerID string) (domain.OrderMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[mapKey(masterOrderID, followerID)]
	if !ok {
		return domain.OrderMapping{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMapStore) ListByFollower(ctx context.Context, followerID string) ([]domain.OrderMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderMapping
	for _, m := range s.maps {
		if m.FollowerAccountID == followerID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMapStore) Delete(ctx context.Context, masterOrderID, followerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.maps, mapKey(masterOrderID, followerID))
	return nil
}

// scriptedBroker returns queued responses per endpoint, recording calls.
type scriptedBroker struct {
	mu         sync.Mutex
	placeErrs  []error
	placeCalls []tradovate.PlaceOrderRequest
	nextOrder  int64
	cancelErr  error
	cancelled  []int64
	modifyErr  error
	modified   []tradovate.ModifyOrderRequest
	findOrder  *domain.BrokerOrder
	findErr    error
}

func (b *scriptedBroker) PlaceOrder(ctx context.Context, token string, req tradovate.PlaceOrderRequest) (tradovate.PlaceOrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls = append(b.placeCalls, req)
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return tradovate.PlaceOrderResponse{}, err
		}
	}
	b.nextOrder++
	return tradovate.PlaceOrderResponse{OrderID: 9000 + b.nextOrder}, nil
}

func (b *scriptedBroker) CancelOrder(ctx context.Context, token string, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, orderID)
	return nil
}

func (b *scriptedBroker) ModifyOrder(ctx context.Context, token string, req tradovate.ModifyOrderRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modifyErr != nil {
		return b.modifyErr
	}
	b.modified = append(b.modified, req)
	return nil
}

func (b *scriptedBroker) FindOrderByClientID(ctx context.Context, token string, accountID int64, clOrdID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.findErr != nil {
		return domain.BrokerOrder{}, b.findErr
	}
	if b.findOrder != nil {
		return *b.findOrder, nil
	}
	return domain.BrokerOrder{}, domain.ErrNotFound
}

func (b *scriptedBroker) placed() []tradovate.PlaceOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tradovate.PlaceOrderRequest(nil), b.placeCalls...)
}

// stubSessions hands out a fixed session.
type stubSessions struct {
	mu          sync.Mutex
	err         error
	invalidated int
	disabled    map[string]bool
}

func (s *stubSessions) Acquire(ctx context.Context, accountID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Session{}, s.err
	}
	return domain.Session{
		AccountID:       accountID,
		BrokerAccountID: 42,
		AccessToken:     "token",
		ExpiresAt:       time.Now().Add(time.Hour),
	}, nil
}

func (s *stubSessions) Invalidate(accountID string) {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

func (s *stubSessions) Enabled(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[accountID]
}

// nopGovernor admits every call instantly.
type nopGovernor struct{}

func (nopGovernor) Acquire(ctx context.Context, accountID string) error { return nil }
func (nopGovernor) Penalize(accountID string, retryAfter time.Duration) {}
