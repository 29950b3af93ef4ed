package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// taskStoreStub serves canned query results for handler tests.
type taskStoreStub struct {
	byFollower  []domain.ReplicationTask
	byState     []domain.ReplicationTask
	byKey       map[string]domain.ReplicationTask
	transitions []domain.TaskTransition
}

func (s *taskStoreStub) Create(ctx context.Context, task domain.ReplicationTask) error { return nil }
func (s *taskStoreStub) GetByIdempotencyKey(ctx context.Context, key string) (domain.ReplicationTask, error) {
	if t, ok := s.byKey[key]; ok {
		return t, nil
	}
	return domain.ReplicationTask{}, domain.ErrNotFound
}
func (s *taskStoreStub) Advance(ctx context.Context, key string, to domain.TaskState, reason string) error {
	return nil
}
func (s *taskStoreStub) IncrementAttempts(ctx context.Context, key string, lastError string) error {
	return nil
}
func (s *taskStoreStub) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	return s.byFollower, nil
}
func (s *taskStoreStub) ListByState(ctx context.Context, state domain.TaskState, opts domain.ListOpts) ([]domain.ReplicationTask, error) {
	return s.byState, nil
}
func (s *taskStoreStub) ListConfirmedByFollower(ctx context.Context, followerID string) ([]domain.ReplicationTask, error) {
	return nil, nil
}
func (s *taskStoreStub) AbortPending(ctx context.Context, followerID string, reason string) (int64, error) {
	return 0, nil
}
func (s *taskStoreStub) CountByState(ctx context.Context, followerID string) (map[domain.TaskState]int64, error) {
	return nil, nil
}
func (s *taskStoreStub) Transitions(ctx context.Context, key string) ([]domain.TaskTransition, error) {
	return s.transitions, nil
}
func (s *taskStoreStub) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ReplicationTask, error) {
	return nil, nil
}

func newTaskMux(store *taskStoreStub) *http.ServeMux {
	h := NewTaskHandler(store, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/tasks/{key}", h.GetTask)
	return mux
}

func sampleTask(seq int64) domain.ReplicationTask {
	key := domain.TaskKey{MasterOrderID: "m1", FollowerAccountID: "f1", MasterEventSeq: seq}
	return domain.ReplicationTask{
		Key:            key,
		IdempotencyKey: key.IdempotencyKey(),
		EventType:      domain.EventNew,
		Symbol:         "MESU6",
		Side:           domain.SideBuy,
		Quantity:       2,
		State:          domain.TaskConfirmed,
	}
}

func TestListTasksByFollower(t *testing.T) {
	store := &taskStoreStub{byFollower: []domain.ReplicationTask{sampleTask(1), sampleTask(2)}}
	mux := newTaskMux(store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?follower=f1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestListTasksRejectsUnknownState(t *testing.T) {
	mux := newTaskMux(&taskStoreStub{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?state=imaginary", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksRequiresFilter(t *testing.T) {
	mux := newTaskMux(&taskStoreStub{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskReturnsTransitionHistory(t *testing.T) {
	task := sampleTask(3)
	store := &taskStoreStub{
		byKey: map[string]domain.ReplicationTask{task.IdempotencyKey: task},
		transitions: []domain.TaskTransition{
			{Key: task.Key, From: domain.TaskPending, To: domain.TaskSubmitted},
			{Key: task.Key, From: domain.TaskSubmitted, To: domain.TaskConfirmed},
		},
	}
	mux := newTaskMux(store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.IdempotencyKey, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Transitions []domain.TaskTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Transitions, 2)
}

func TestGetTaskNotFound(t *testing.T) {
	mux := newTaskMux(&taskStoreStub{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseListOptsClampsLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks?limit=9999&offset=20", nil)
	opts := parseListOpts(req)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 20, opts.Offset)

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	opts = parseListOpts(req)
	assert.Equal(t, 50, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}
