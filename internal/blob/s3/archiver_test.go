package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	putErr  error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.putErr != nil {
		return w.putErr
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	w.objects[path] = buf.Bytes()
	return nil
}

type memVerifier struct {
	writer  *memWriter
	err     error
	missing bool
}

func (v *memVerifier) Exists(_ context.Context, path string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	if v.missing {
		return false, nil
	}
	_, ok := v.writer.objects[path]
	return ok, nil
}

type memEventArchive struct {
	events        []domain.ExecutionEvent
	deleteCutoffs []time.Time
}

func (m *memEventArchive) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.ExecutionEvent, error) {
	var out []domain.ExecutionEvent
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEventArchive) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.deleteCutoffs = append(m.deleteCutoffs, cutoff)
	var kept []domain.ExecutionEvent
	var deleted int64
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return deleted, nil
}

type memOrderArchive struct {
	orders []domain.Order
}

func (m *memOrderArchive) ListResolvedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range m.orders {
		if o.ResolvedAt != nil && o.ResolvedAt.Before(cutoff) {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func seedEvents(n int, start time.Time) []domain.ExecutionEvent {
	out := make([]domain.ExecutionEvent, n)
	for i := range out {
		out[i] = domain.ExecutionEvent{
			StrategyID: "strat-1",
			OrderID:    fmt.Sprintf("o-%d", i),
			Kind:       domain.EventFillUpdate,
			CreatedAt:  start.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newArchiverHarness() (*ArchiveImpl, *memWriter, *memVerifier, *memEventArchive, *memOrderArchive) {
	writer := &memWriter{objects: make(map[string][]byte)}
	verifier := &memVerifier{writer: writer}
	events := &memEventArchive{}
	orders := &memOrderArchive{}
	arch := NewArchiver(writer, verifier, events, orders, slog.Default())
	return arch, writer, verifier, events, orders
}

func TestArchiveEvents_UploadsVerifiesThenDeletes(t *testing.T) {
	arch, writer, _, events, _ := newArchiverHarness()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events.events = seedEvents(100, start)

	cutoff := start.Add(time.Hour)
	n, err := arch.ArchiveEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	require.Len(t, writer.objects, 1)
	for path, data := range writer.objects {
		assert.True(t, strings.HasPrefix(path, "archive/events/"))
		assert.True(t, strings.HasSuffix(path, ".jsonl"))
		assert.Equal(t, 100, strings.Count(string(data), "\n"))
	}

	assert.Empty(t, events.events)
	require.Len(t, events.deleteCutoffs, 1)
	assert.Equal(t, cutoff, events.deleteCutoffs[0])
}

func TestArchiveEvents_FullBatchShrinksDeleteCutoff(t *testing.T) {
	arch, _, _, events, _ := newArchiverHarness()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events.events = seedEvents(batchLimit+50, start)

	cutoff := start.Add(24 * time.Hour)
	n, err := arch.ArchiveEvents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(batchLimit), n)

	// Deletion stops at the last archived event, not the requested cutoff,
	// so the 50 unarchived rows survive for the next pass.
	require.Len(t, events.deleteCutoffs, 1)
	lastArchived := start.Add(time.Duration(batchLimit-1) * time.Second)
	assert.Equal(t, lastArchived, events.deleteCutoffs[0])
	assert.Len(t, events.events, 51)
}

func TestArchiveEvents_NoDeleteWhenVerifyFails(t *testing.T) {
	arch, _, verifier, events, _ := newArchiverHarness()
	verifier.missing = true
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events.events = seedEvents(10, start)

	_, err := arch.ArchiveEvents(context.Background(), start.Add(time.Hour))
	require.Error(t, err)
	assert.Len(t, events.events, 10)
	assert.Empty(t, events.deleteCutoffs)
}

func TestArchiveEvents_NoDeleteWhenUploadFails(t *testing.T) {
	arch, writer, _, events, _ := newArchiverHarness()
	writer.putErr = errors.New("s3: access denied")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events.events = seedEvents(10, start)

	_, err := arch.ArchiveEvents(context.Background(), start.Add(time.Hour))
	require.Error(t, err)
	assert.Len(t, events.events, 10)
}

func TestArchiveEvents_EmptyWindowIsNoop(t *testing.T) {
	arch, writer, _, _, _ := newArchiverHarness()

	n, err := arch.ArchiveEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.objects)
}

func TestArchiveResolvedOrders_ExportsMonthPartition(t *testing.T) {
	arch, writer, _, _, orders := newArchiverHarness()
	resolved := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	orders.orders = []domain.Order{
		{ID: "o1", Outcome: domain.OutcomeWon, ResolvedAt: &resolved},
		{ID: "o2", Outcome: domain.OutcomeLost, ResolvedAt: &resolved},
	}

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveResolvedOrders(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	data, ok := writer.objects["archive/orders/2026-02.jsonl"]
	require.True(t, ok)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}
