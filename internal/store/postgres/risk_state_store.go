package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// RiskStateStore implements domain.RiskStateStore using PostgreSQL. Updates
// go through an optimistic version check so two writers can never both apply
// mutations derived from the same snapshot.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore creates a new RiskStateStore backed by the given pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// Create inserts the initial ledger for a strategy.
func (s *RiskStateStore) Create(ctx context.Context, st domain.RiskState) error {
	const query = `
		INSERT INTO risk_state (
			strategy_id, equity, peak_equity, realized_pnl, open_exposure,
			daily_spent, weekly_spent, monthly_spent,
			daily_reset_at, weekly_reset_at, monthly_reset_at,
			consecutive_losses, breaker, breaker_reason, breaker_tripped_at,
			paused, version, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		st.StrategyID, st.Equity, st.PeakEquity, st.RealizedPnL, st.OpenExposure,
		st.DailySpent, st.WeeklySpent, st.MonthlySpent,
		st.DailyResetAt, st.WeeklyResetAt, st.MonthlyResetAt,
		st.ConsecutiveLosses, string(st.Breaker), st.BreakerReason, st.BreakerTrippedAt,
		st.Paused, st.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create risk state for %s: %w", st.StrategyID, err)
	}
	return nil
}

// Get retrieves the current ledger for a strategy.
func (s *RiskStateStore) Get(ctx context.Context, strategyID string) (domain.RiskState, error) {
	const query = `
		SELECT strategy_id, equity, peak_equity, realized_pnl, open_exposure,
			daily_spent, weekly_spent, monthly_spent,
			daily_reset_at, weekly_reset_at, monthly_reset_at,
			consecutive_losses, breaker, breaker_reason, breaker_tripped_at,
			paused, version, updated_at
		FROM risk_state WHERE strategy_id = $1`

	var st domain.RiskState
	var breaker string
	err := s.pool.QueryRow(ctx, query, strategyID).Scan(
		&st.StrategyID, &st.Equity, &st.PeakEquity, &st.RealizedPnL, &st.OpenExposure,
		&st.DailySpent, &st.WeeklySpent, &st.MonthlySpent,
		&st.DailyResetAt, &st.WeeklyResetAt, &st.MonthlyResetAt,
		&st.ConsecutiveLosses, &breaker, &st.BreakerReason, &st.BreakerTrippedAt,
		&st.Paused, &st.Version, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskState{}, domain.ErrNotFound
		}
		return domain.RiskState{}, fmt.Errorf("postgres: get risk state for %s: %w", strategyID, err)
	}
	st.Breaker = domain.BreakerState(breaker)
	return st, nil
}

// CompareAndUpdate writes next only when the stored version is exactly
// next.Version-1. A zero-row update on an existing strategy means a
// concurrent writer won the race: the caller gets ErrVersionConflict and
// retries from a fresh read.
func (s *RiskStateStore) CompareAndUpdate(ctx context.Context, next domain.RiskState) error {
	const query = `
		UPDATE risk_state SET
			equity = $2, peak_equity = $3, realized_pnl = $4, open_exposure = $5,
			daily_spent = $6, weekly_spent = $7, monthly_spent = $8,
			daily_reset_at = $9, weekly_reset_at = $10, monthly_reset_at = $11,
			consecutive_losses = $12, breaker = $13, breaker_reason = $14,
			breaker_tripped_at = $15, paused = $16,
			version = $17, updated_at = NOW()
		WHERE strategy_id = $1 AND version = $18`

	tag, err := s.pool.Exec(ctx, query,
		next.StrategyID, next.Equity, next.PeakEquity, next.RealizedPnL, next.OpenExposure,
		next.DailySpent, next.WeeklySpent, next.MonthlySpent,
		next.DailyResetAt, next.WeeklyResetAt, next.MonthlyResetAt,
		next.ConsecutiveLosses, string(next.Breaker), next.BreakerReason,
		next.BreakerTrippedAt, next.Paused,
		next.Version, next.Version-1,
	)
	if err != nil {
		return fmt.Errorf("postgres: update risk state for %s: %w", next.StrategyID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM risk_state WHERE strategy_id = $1)`,
			next.StrategyID,
		).Scan(&exists); checkErr != nil {
			return fmt.Errorf("postgres: check risk state for %s: %w", next.StrategyID, checkErr)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}
