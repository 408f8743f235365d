package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves aged audit data from the database to cold storage.
type Archiver interface {
	// ArchiveEvents uploads execution events older than the cutoff and
	// removes them from the primary store after a verified write.
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)
	// ArchiveResolvedOrders uploads resolved orders older than the cutoff.
	// Order rows are never deleted; this is an export for cold queries.
	ArchiveResolvedOrders(ctx context.Context, before time.Time) (int64, error)
}
