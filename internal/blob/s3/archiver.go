package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
)

// ClosedPositionSource lists closed positions for archival.
type ClosedPositionSource interface {
	// ListClosedBetween returns closed positions whose ClosedAt falls in
	// [from, before).
	ListClosedBetween(ctx context.Context, from, before time.Time) ([]domain.Position, error)
}

// Purger removes archived positions from the engine and its database.
type Purger interface {
	Purge(ctx context.Context, id string) error
}

// ArchiveImpl implements domain.Archiver by serializing closed positions to
// JSONL and uploading them to S3. It remembers the last cutoff so each run
// only uploads positions closed since the previous one. Positions are purged
// from the engine only when a Purger is set and the upload succeeded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	source ClosedPositionSource
	audit  domain.AuditStore
	purger Purger

	mu         sync.Mutex
	lastCutoff time.Time
}

// NewArchiver creates a new ArchiveImpl. audit and purger may be nil.
func NewArchiver(writer domain.BlobWriter, source ClosedPositionSource, audit domain.AuditStore, purger Purger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		source: source,
		audit:  audit,
		purger: purger,
	}
}

// ArchiveClosed uploads every position closed before the cutoff and after
// the previous run's cutoff to archive/positions/YYYY/MM/DD/<unix>.jsonl and
// returns how many were archived.
func (a *ArchiveImpl) ArchiveClosed(ctx context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions, err := a.source.ListClosedBetween(ctx, a.lastCutoff, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		a.lastCutoff = before
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	meta := domain.ObjectMeta{
		ContentType: "application/x-ndjson",
		Records:     len(positions),
		Cutoff:      before,
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), meta); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	a.lastCutoff = before

	count := int64(len(positions))
	purged := 0
	if a.purger != nil {
		for _, p := range positions {
			if err := a.purger.Purge(ctx, p.ID); err != nil {
				return count, fmt.Errorf("s3blob: archive positions purge %s: %w", p.ID, err)
			}
			purged++
		}
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  count,
			"purged": purged,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
		}
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// day of the cutoff time.
//
//	archive/positions/2025/01/31/1738281600.jsonl
func archivePath(kind string, before time.Time) string {
	before = before.UTC()
	return fmt.Sprintf("archive/%s/%s/%d.jsonl", kind, before.Format("2006/01/02"), before.Unix())
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
