package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// batchLimit bounds one archival pass. A run that hits the limit archives
// what it read and leaves the remainder for the next pass.
const batchLimit = 10000

// EventArchiveStore is the slice of the execution log the archiver needs.
type EventArchiveStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionEvent, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OrderArchiveStore is the slice of the order store the archiver needs.
type OrderArchiveStore interface {
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// Verifier confirms an uploaded object is readable before anything is
// deleted from the primary store.
type Verifier interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver: execution events age out of
// Postgres into JSONL objects, resolved orders are exported for cold
// queries. Events are deleted only after the uploaded object has been
// verified; order rows are never deleted.
type ArchiveImpl struct {
	writer   domain.BlobWriter
	verifier Verifier
	events   EventArchiveStore
	orders   OrderArchiveStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	verifier Verifier,
	events EventArchiveStore,
	orders OrderArchiveStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		verifier: verifier,
		events:   events,
		orders:   orders,
		logger:   logger.With(slog.String("component", "archiver")),
		now:      time.Now,
	}
}

// Run archives on the given interval until ctx is cancelled. The cutoff of
// each pass is now minus the retention window.
func (a *ArchiveImpl) Run(ctx context.Context, interval time.Duration, retention time.Duration) error {
	a.log("archiver started", slog.Duration("interval", interval), slog.Duration("retention", retention))
	defer a.log("archiver stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := a.now().UTC().Add(-retention)
			if n, err := a.ArchiveEvents(ctx, cutoff); err != nil {
				a.logger.Error("event archival failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.log("events archived", slog.Int64("count", n))
			}
			if n, err := a.ArchiveResolvedOrders(ctx, cutoff); err != nil {
				a.logger.Error("order export failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.log("resolved orders exported", slog.Int64("count", n))
			}
		}
	}
}

// ArchiveEvents uploads execution events older than the cutoff as one JSONL
// object, verifies the object exists, then deletes the archived rows. When
// the batch limit is hit the deletion cutoff shrinks to the last archived
// event's timestamp so nothing unarchived is ever deleted.
func (a *ArchiveImpl) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	deleteCutoff := before
	if len(events) == batchLimit {
		deleteCutoff = events[len(events)-1].CreatedAt
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	// Each pass archives a distinct batch, so the key carries the run time.
	path := fmt.Sprintf("archive/events/%s.jsonl", a.now().UTC().Format("20060102T150405Z"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	ok, err := a.verifier.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive events verify: uploaded object %s missing", path)
	}

	deleted, err := a.events.DeleteBefore(ctx, deleteCutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events delete: %w", err)
	}

	a.log("event archive written",
		slog.String("path", path),
		slog.Int("archived", len(events)),
		slog.Int64("deleted", deleted),
	)
	return int64(len(events)), nil
}

// ArchiveResolvedOrders exports resolved orders older than the cutoff to a
// month-partitioned JSONL object. The export is idempotent per month and the
// primary rows stay in place.
func (a *ArchiveImpl) ArchiveResolvedOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListResolvedBefore(ctx, before, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export orders marshal: %w", err)
	}

	path := fmt.Sprintf("archive/orders/%s.jsonl", before.UTC().Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: export orders upload: %w", err)
	}

	return int64(len(orders)), nil
}

func (a *ArchiveImpl) log(msg string, args ...any) {
	a.logger.Info(msg, args...)
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
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
