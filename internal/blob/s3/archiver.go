package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// Narrow store interfaces: the archiver only needs the time-ranged query
// methods it actually calls, not the full domain store interfaces.

// TaskArchiveStore provides read access to terminal tasks for archival.
type TaskArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.ReplicationTask, error)
}

// ReconArchiveStore provides read access to reconciliation passes for
// archival.
type ReconArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.ReconciliationRecord, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// records, serialising them to JSONL and uploading the result to S3.
//
// Deletion of archived rows from the primary store is intentionally not done
// here; that is a separate explicit step after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	tasks  TaskArchiveStore
	recons ReconArchiveStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, tasks TaskArchiveStore, recons ReconArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		tasks:  tasks,
		recons: recons,
	}
}

// ArchiveTasks uploads every terminal task last updated before the cutoff to
// archive/tasks/YYYY-MM.jsonl and returns the archived count.
func (a *ArchiveImpl) ArchiveTasks(ctx context.Context, before time.Time) (int64, error) {
	tasks, err := a.tasks.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive tasks query: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(tasks)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive tasks marshal: %w", err)
	}

	if err := a.writer.Write(ctx, archivePath("tasks", before), buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive tasks upload: %w", err)
	}
	return int64(len(tasks)), nil
}

// ArchiveReconciliations uploads every reconciliation pass recorded before
// the cutoff to archive/reconciliations/YYYY-MM.jsonl and returns the count.
func (a *ArchiveImpl) ArchiveReconciliations(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.recons.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations marshal: %w", err)
	}

	if err := a.writer.Write(ctx, archivePath("reconciliations", before), buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations upload: %w", err)
	}
	return int64(len(recs)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
