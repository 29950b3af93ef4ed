package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// ArchiveHandler serves the cold-storage replication history: the JSONL
// objects the archiver uploads for aged tasks and reconciliation passes.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. blobs may be nil when archival
// is not configured; the endpoints then respond 404.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logHandler(logger, "archive")}
}

// ListArchives responds with the object keys under archive/, optionally
// narrowed by kind.
// GET /api/archive?kind=tasks|reconciliations
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotFound, "archival not configured")
		return
	}

	prefix := "archive/"
	switch kind := r.URL.Query().Get("kind"); kind {
	case "":
	case "tasks", "reconciliations":
		prefix += kind + "/"
	default:
		writeError(w, http.StatusBadRequest, "kind must be tasks or reconciliations")
		return
	}

	keys, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.Error("list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "archive listing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

// GetArchive streams one archived JSONL object back to the caller.
// GET /api/archive/{key...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotFound, "archival not configured")
		return
	}
	key := pathParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "archive key required")
		return
	}

	data, err := h.blobs.Read(r.Context(), "archive/"+key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive object not found")
			return
		}
		h.logger.Error("read archive failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "archive read failed")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
