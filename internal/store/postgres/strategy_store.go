package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, source, account, active, paused, launched_at,
	starting_capital, slippage_tolerance, sizing_fraction,
	watermark_signal_id, watermark_occurred_at, watermark_stream_id,
	created_at, updated_at`

// Create inserts a new strategy. A second live strategy for the same
// (source, account) pair surfaces as ErrAlreadyExists.
func (s *StrategyStore) Create(ctx context.Context, st domain.Strategy) error {
	const query = `
		INSERT INTO strategies (
			id, source, account, active, paused, launched_at,
			starting_capital, slippage_tolerance, sizing_fraction,
			watermark_signal_id, watermark_occurred_at, watermark_stream_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			NOW(), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		st.ID, st.Source, st.Account, st.Active, st.Paused, st.LaunchedAt,
		st.StartingCapital, st.SlippageTolerance, st.SizingFraction,
		st.Watermark.SignalID, nullableTime(st.Watermark.OccurredAt), st.Watermark.StreamID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a strategy.
func (s *StrategyStore) Update(ctx context.Context, st domain.Strategy) error {
	const query = `
		UPDATE strategies SET
			active = $2, paused = $3,
			starting_capital = $4, slippage_tolerance = $5, sizing_fraction = $6,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		st.ID, st.Active, st.Paused,
		st.StartingCapital, st.SlippageTolerance, st.SizingFraction,
	)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanStrategyFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Strategy, error) {
	var st domain.Strategy
	var wmOccurred *time.Time

	err := scanner.Scan(
		&st.ID, &st.Source, &st.Account, &st.Active, &st.Paused, &st.LaunchedAt,
		&st.StartingCapital, &st.SlippageTolerance, &st.SizingFraction,
		&st.Watermark.SignalID, &wmOccurred, &st.Watermark.StreamID,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	if wmOccurred != nil {
		st.Watermark.OccurredAt = *wmOccurred
	}
	return st, nil
}

func scanStrategyRows(rows pgx.Rows) ([]domain.Strategy, error) {
	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategyFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetByID retrieves a single strategy by ID.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)

	st, err := scanStrategyFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

// GetBySourceAccount retrieves the live strategy for a (source, account) pair.
func (s *StrategyStore) GetBySourceAccount(ctx context.Context, source, account string) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies
		 WHERE source = $1 AND account = $2 AND active`, source, account)

	st, err := scanStrategyFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s/%s: %w", source, account, err)
	}
	return st, nil
}

// ListBySource returns all strategies mirroring the given signal source.
func (s *StrategyStore) ListBySource(ctx context.Context, source string) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies
		 WHERE source = $1 ORDER BY created_at`, source)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies by source: %w", err)
	}
	defer rows.Close()

	out, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan strategies by source: %w", err)
	}
	return out, nil
}

// ListActive returns all non-terminated strategies.
func (s *StrategyStore) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies
		 WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active strategies: %w", err)
	}
	defer rows.Close()

	out, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active strategies: %w", err)
	}
	return out, nil
}

// SetPaused flips the strategy-level pause flag.
func (s *StrategyStore) SetPaused(ctx context.Context, id string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET paused = $2, updated_at = NOW() WHERE id = $1`,
		id, paused)
	if err != nil {
		return fmt.Errorf("postgres: set strategy %s paused: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvanceWatermark records the last fully-processed signal for a strategy.
func (s *StrategyStore) AdvanceWatermark(ctx context.Context, id string, wm domain.SignalWatermark) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET
			watermark_signal_id = $2,
			watermark_occurred_at = $3,
			watermark_stream_id = $4,
			updated_at = NOW()
		 WHERE id = $1`,
		id, wm.SignalID, nullableTime(wm.OccurredAt), wm.StreamID)
	if err != nil {
		return fmt.Errorf("postgres: advance watermark for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
