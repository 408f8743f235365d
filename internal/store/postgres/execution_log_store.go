package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// ExecutionLogStore implements domain.ExecutionLogStore using PostgreSQL.
// The table is append-only; the only deletion path is the archiver after a
// verified cold-storage write.
type ExecutionLogStore struct {
	pool *pgxpool.Pool
}

// NewExecutionLogStore creates a new ExecutionLogStore backed by the pool.
func NewExecutionLogStore(pool *pgxpool.Pool) *ExecutionLogStore {
	return &ExecutionLogStore{pool: pool}
}

// Append inserts one event row.
func (s *ExecutionLogStore) Append(ctx context.Context, e domain.ExecutionEvent) error {
	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal event detail: %w", err)
		}
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_events (strategy_id, order_id, kind, attempt, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.StrategyID, e.OrderID, string(e.Kind), e.Attempt, detail, createdAt)
	if err != nil {
		return fmt.Errorf("postgres: append execution event: %w", err)
	}
	return nil
}

const eventSelectCols = `id, strategy_id, order_id, kind, attempt, detail, created_at`

func scanEventFromRow(scanner interface{ Scan(dest ...any) error }) (domain.ExecutionEvent, error) {
	var e domain.ExecutionEvent
	var kind string
	var detail []byte

	err := scanner.Scan(&e.ID, &e.StrategyID, &e.OrderID, &kind, &e.Attempt, &detail, &e.CreatedAt)
	if err != nil {
		return domain.ExecutionEvent{}, err
	}

	e.Kind = domain.EventKind(kind)
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return domain.ExecutionEvent{}, fmt.Errorf("unmarshal event detail: %w", err)
		}
	}
	return e, nil
}

func scanEventRows(rows pgx.Rows) ([]domain.ExecutionEvent, error) {
	var events []domain.ExecutionEvent
	for rows.Next() {
		e, err := scanEventFromRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListByOrder returns all events for one order, oldest first.
func (s *ExecutionLogStore) ListByOrder(ctx context.Context, orderID string) ([]domain.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM execution_events
		 WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events by order: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events by order: %w", err)
	}
	return events, nil
}

// ListByStrategy returns events for a strategy, newest first.
func (s *ExecutionLogStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.ExecutionEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM execution_events WHERE strategy_id = $1`
	args := []any{strategyID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events by strategy: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events by strategy: %w", err)
	}
	return events, nil
}

// ListBefore returns events older than the cutoff, oldest first, for the
// archiver.
func (s *ExecutionLogStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM execution_events
		 WHERE created_at < $1 ORDER BY id LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before cutoff: %w", err)
	}
	defer rows.Close()

	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events before cutoff: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events older than the cutoff and reports how many rows
// were deleted.
func (s *ExecutionLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}
