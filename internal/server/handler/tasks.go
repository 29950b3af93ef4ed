package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// TaskHandler serves replication task queries for the dashboard.
type TaskHandler struct {
	tasks  domain.TaskStore
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler backed by the given store.
func NewTaskHandler(tasks domain.TaskStore, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logHandler(logger, "tasks")}
}

// ListTasks responds with tasks filtered by follower or state.
// GET /api/tasks?follower=<id>&state=<state>
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		tasks []domain.ReplicationTask
		err   error
	)
	switch {
	case q.Get("follower") != "":
		tasks, err = h.tasks.ListByFollower(r.Context(), q.Get("follower"), opts)
	case q.Get("state") != "":
		state := domain.TaskState(q.Get("state"))
		if !knownState(state) {
			writeError(w, http.StatusBadRequest, "unknown task state")
			return
		}
		tasks, err = h.tasks.ListByState(r.Context(), state, opts)
	default:
		writeError(w, http.StatusBadRequest, "follower or state query parameter required")
		return
	}
	if err != nil {
		h.logger.Error("list tasks failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// GetTask responds with one task and its full transition history.
// GET /api/tasks/{key}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "task key required")
		return
	}

	task, err := h.tasks.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "task query failed")
		return
	}

	transitions, err := h.tasks.Transitions(r.Context(), key)
	if err != nil {
		h.logger.Error("list transitions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "transition query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":        task,
		"transitions": transitions,
	})
}

func knownState(s domain.TaskState) bool {
	for _, known := range domain.TaskStates {
		if s == known {
			return true
		}
	}
	return false
}
