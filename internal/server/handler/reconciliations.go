package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// ReconHandler serves reconciliation history and open discrepancies.
type ReconHandler struct {
	recons domain.ReconStore
	logger *slog.Logger
}

// NewReconHandler creates a ReconHandler backed by the given store.
func NewReconHandler(recons domain.ReconStore, logger *slog.Logger) *ReconHandler {
	return &ReconHandler{recons: recons, logger: logHandler(logger, "reconciliations")}
}

// ListDiscrepancies responds with the discrepancies from each follower's most
// recent reconciliation pass.
// GET /api/discrepancies
func (h *ReconHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	discrepancies, err := h.recons.OpenDiscrepancies(r.Context())
	if err != nil {
		h.logger.Error("open discrepancies failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "discrepancy query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"discrepancies": discrepancies,
		"count":         len(discrepancies),
	})
}

// ListReconciliations responds with the recent passes for one follower.
// GET /api/reconciliations?follower=<id>&limit=<n>
func (h *ReconHandler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	follower := r.URL.Query().Get("follower")
	if follower == "" {
		writeError(w, http.StatusBadRequest, "follower query parameter required")
		return
	}
	opts := parseListOpts(r)

	recs, err := h.recons.ListRecent(r.Context(), follower, opts.Limit)
	if err != nil {
		h.logger.Error("list reconciliations failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "reconciliation query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliations": recs,
		"count":           len(recs),
	})
}
