package handler

import (
	"net/http"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// AccountSource reports per-account state.
type AccountSource interface {
	Statuses() []domain.AccountStatus
}

// AccountHandler serves the configured accounts and their session state.
type AccountHandler struct {
	source AccountSource
}

// NewAccountHandler creates an AccountHandler reading from the given source.
func NewAccountHandler(source AccountSource) *AccountHandler {
	return &AccountHandler{source: source}
}

// ListAccounts responds with every configured account's current state.
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": h.source.Statuses(),
	})
}
