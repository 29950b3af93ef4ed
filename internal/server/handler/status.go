package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// StatusSource assembles a full engine status snapshot on demand. The app
// layer implements it by combining poller health, session state, task counts
// and open discrepancies.
type StatusSource interface {
	Status(ctx context.Context) (domain.EngineStatus, error)
}

// StatusHandler serves the aggregated engine status for the dashboard.
type StatusHandler struct {
	source StatusSource
}

// NewStatusHandler creates a StatusHandler reading from the given source.
func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// GetStatus responds with the full engine status snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.source.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
