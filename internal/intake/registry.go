// Package intake connects forward-testing signal sources to live execution:
// it manages strategy launches and reads candidate signals from the durable
// stream, feeding each eligible signal to the executor exactly once.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// LaunchParams describes a new strategy mirroring one signal source into one
// live account.
type LaunchParams struct {
	Source            string
	Account           string
	StartingCapital   float64
	SlippageTolerance float64
	SizingFraction    float64
	Rules             domain.RiskRules
}

// Registry owns the strategy lifecycle: launch, pause bookkeeping, and
// termination. At most one non-terminated strategy exists per
// (source, account) pair.
type Registry struct {
	strategies domain.StrategyStore
	rules      domain.RiskRulesStore
	states     domain.RiskStateStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(
	strategies domain.StrategyStore,
	rules domain.RiskRulesStore,
	states domain.RiskStateStore,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		strategies: strategies,
		rules:      rules,
		states:     states,
		logger:     logger.With(slog.String("component", "registry")),
		now:        time.Now,
	}
}

// Launch creates a strategy with its risk rules and a fresh ledger seeded
// with the starting capital. Signals that occurred before the launch instant
// are never executed. Returns ErrAlreadyExists when an active strategy for
// the (source, account) pair exists.
func (r *Registry) Launch(ctx context.Context, p LaunchParams) (domain.Strategy, error) {
	if p.Source == "" || p.Account == "" {
		return domain.Strategy{}, fmt.Errorf("intake: launch requires source and account")
	}
	if p.StartingCapital <= 0 {
		return domain.Strategy{}, fmt.Errorf("intake: starting capital must be positive, got %f", p.StartingCapital)
	}
	if p.SizingFraction <= 0 || p.SizingFraction > 1 {
		return domain.Strategy{}, fmt.Errorf("intake: sizing fraction must be in (0, 1], got %f", p.SizingFraction)
	}

	if _, err := r.strategies.GetBySourceAccount(ctx, p.Source, p.Account); err == nil {
		return domain.Strategy{}, fmt.Errorf("intake: strategy for %s/%s: %w", p.Source, p.Account, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Strategy{}, fmt.Errorf("intake: launch lookup: %w", err)
	}

	now := r.now().UTC()
	strat := domain.Strategy{
		ID:                uuid.New().String(),
		Source:            p.Source,
		Account:           p.Account,
		Active:            true,
		LaunchedAt:        now,
		StartingCapital:   p.StartingCapital,
		SlippageTolerance: p.SlippageTolerance,
		SizingFraction:    p.SizingFraction,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := r.strategies.Create(ctx, strat); err != nil {
		return domain.Strategy{}, fmt.Errorf("intake: create strategy: %w", err)
	}

	rules := p.Rules
	rules.StrategyID = strat.ID
	rules.UpdatedAt = now
	if err := r.rules.Upsert(ctx, rules); err != nil {
		return domain.Strategy{}, fmt.Errorf("intake: seed risk rules: %w", err)
	}

	if err := r.states.Create(ctx, domain.NewRiskState(strat.ID, p.StartingCapital, now)); err != nil {
		return domain.Strategy{}, fmt.Errorf("intake: seed risk state: %w", err)
	}

	r.logger.Info("strategy launched",
		slog.String("strategy_id", strat.ID),
		slog.String("source", p.Source),
		slog.String("account", p.Account),
		slog.Float64("starting_capital", p.StartingCapital),
	)
	return strat, nil
}

// Terminate deactivates a strategy. The record and its order history stay;
// the (source, account) pair is freed for a future relaunch.
func (r *Registry) Terminate(ctx context.Context, strategyID string) error {
	strat, err := r.strategies.GetByID(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("intake: terminate: %w", err)
	}
	if !strat.Active {
		return nil
	}
	strat.Active = false
	strat.UpdatedAt = r.now().UTC()
	if err := r.strategies.Update(ctx, strat); err != nil {
		return fmt.Errorf("intake: terminate: %w", err)
	}
	r.logger.Info("strategy terminated", slog.String("strategy_id", strategyID))
	return nil
}
