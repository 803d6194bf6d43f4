package domain

import (
	"context"
	"io"
	"time"
)

// ObjectMeta describes an archive object. Records and Cutoff are stored as
// object metadata so archives can be listed without downloading them.
type ObjectMeta struct {
	ContentType string
	Records     int
	Cutoff      time.Time
}

// BlobWriter uploads archive objects to object storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, meta ObjectMeta) error
}

// Archiver moves closed positions from the engine to cold storage.
type Archiver interface {
	ArchiveClosed(ctx context.Context, before time.Time) (int64, error)
}
