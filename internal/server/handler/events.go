package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// EventHandler serves the persisted master event stream, so a dashboard that
// reconnects can replay everything it missed from its last seen sequence.
type EventHandler struct {
	events domain.EventStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler backed by the given store.
func NewEventHandler(events domain.EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logHandler(logger, "events")}
}

// ListEvents responds with events strictly after the given sequence number.
// GET /api/events?since=<seq>&limit=<n>
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	opts := parseListOpts(r)

	events, err := h.events.ListSince(r.Context(), since, opts)
	if err != nil {
		h.logger.Error("list events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"since":  since,
		"count":  len(events),
	})
}
