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

// RiskRulesStore implements domain.RiskRulesStore using PostgreSQL.
type RiskRulesStore struct {
	pool *pgxpool.Pool
}

// NewRiskRulesStore creates a new RiskRulesStore backed by the given pool.
func NewRiskRulesStore(pool *pgxpool.Pool) *RiskRulesStore {
	return &RiskRulesStore{pool: pool}
}

// Upsert writes the full rule template for a strategy, replacing any existing
// row. Durations are stored as nanoseconds.
func (s *RiskRulesStore) Upsert(ctx context.Context, r domain.RiskRules) error {
	const query = `
		INSERT INTO risk_rules (
			strategy_id, daily_cap_usd, weekly_cap_usd, monthly_cap_usd,
			max_position_usd, max_exposure_usd, max_drawdown,
			max_consecutive_losses, max_slippage, max_spread,
			min_liquidity_usd, max_signal_latency_ns, auto_resume_after_ns,
			updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			NOW()
		)
		ON CONFLICT (strategy_id) DO UPDATE SET
			daily_cap_usd = EXCLUDED.daily_cap_usd,
			weekly_cap_usd = EXCLUDED.weekly_cap_usd,
			monthly_cap_usd = EXCLUDED.monthly_cap_usd,
			max_position_usd = EXCLUDED.max_position_usd,
			max_exposure_usd = EXCLUDED.max_exposure_usd,
			max_drawdown = EXCLUDED.max_drawdown,
			max_consecutive_losses = EXCLUDED.max_consecutive_losses,
			max_slippage = EXCLUDED.max_slippage,
			max_spread = EXCLUDED.max_spread,
			min_liquidity_usd = EXCLUDED.min_liquidity_usd,
			max_signal_latency_ns = EXCLUDED.max_signal_latency_ns,
			auto_resume_after_ns = EXCLUDED.auto_resume_after_ns,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		r.StrategyID, r.DailyCapUSD, r.WeeklyCapUSD, r.MonthlyCapUSD,
		r.MaxPositionUSD, r.MaxExposureUSD, r.MaxDrawdown,
		r.MaxConsecutiveLosses, r.MaxSlippage, r.MaxSpread,
		r.MinLiquidityUSD, int64(r.MaxSignalLatency), int64(r.AutoResumeAfter),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert risk rules for %s: %w", r.StrategyID, err)
	}
	return nil
}

// Get retrieves the rule template for a strategy.
func (s *RiskRulesStore) Get(ctx context.Context, strategyID string) (domain.RiskRules, error) {
	const query = `
		SELECT strategy_id, daily_cap_usd, weekly_cap_usd, monthly_cap_usd,
			max_position_usd, max_exposure_usd, max_drawdown,
			max_consecutive_losses, max_slippage, max_spread,
			min_liquidity_usd, max_signal_latency_ns, auto_resume_after_ns,
			updated_at
		FROM risk_rules WHERE strategy_id = $1`

	var r domain.RiskRules
	var latencyNs, resumeNs int64
	err := s.pool.QueryRow(ctx, query, strategyID).Scan(
		&r.StrategyID, &r.DailyCapUSD, &r.WeeklyCapUSD, &r.MonthlyCapUSD,
		&r.MaxPositionUSD, &r.MaxExposureUSD, &r.MaxDrawdown,
		&r.MaxConsecutiveLosses, &r.MaxSlippage, &r.MaxSpread,
		&r.MinLiquidityUSD, &latencyNs, &resumeNs,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskRules{}, domain.ErrNotFound
		}
		return domain.RiskRules{}, fmt.Errorf("postgres: get risk rules for %s: %w", strategyID, err)
	}
	r.MaxSignalLatency = time.Duration(latencyNs)
	r.AutoResumeAfter = time.Duration(resumeNs)
	return r, nil
}
