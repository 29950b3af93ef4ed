package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// blobReaderStub serves canned archive objects keyed by full object key.
type blobReaderStub struct {
	objects map[string][]byte
}

func (s *blobReaderStub) Read(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.objects[key]; ok {
		return data, nil
	}
	return nil, domain.ErrNotFound
}

func (s *blobReaderStub) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func newArchiveMux(blobs domain.BlobReader) *http.ServeMux {
	h := NewArchiveHandler(blobs, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/archive", h.ListArchives)
	mux.HandleFunc("GET /api/archive/{key...}", h.GetArchive)
	return mux
}

func TestListArchivesFiltersByKind(t *testing.T) {
	blobs := &blobReaderStub{objects: map[string][]byte{
		"archive/tasks/2026-07.jsonl":           []byte("{}\n"),
		"archive/reconciliations/2026-07.jsonl": []byte("{}\n"),
	}}
	mux := newArchiveMux(blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive?kind=tasks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "archive/tasks/2026-07.jsonl", body.Keys[0])
}

func TestListArchivesRejectsUnknownKind(t *testing.T) {
	mux := newArchiveMux(&blobReaderStub{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive?kind=orders", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetArchiveStreamsObject(t *testing.T) {
	payload := []byte(`{"idempotency_key":"abc"}` + "\n")
	blobs := &blobReaderStub{objects: map[string][]byte{
		"archive/tasks/2026-07.jsonl": payload,
	}}
	mux := newArchiveMux(blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/tasks/2026-07.jsonl", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestGetArchiveNotFound(t *testing.T) {
	mux := newArchiveMux(&blobReaderStub{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/tasks/2020-01.jsonl", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveEndpointsWithoutStorage(t *testing.T) {
	mux := newArchiveMux(nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archive/tasks/x.jsonl", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
