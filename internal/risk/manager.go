// Package risk implements the pre-trade admission gate and the post-trade
// settlement path. The per-strategy RiskState ledger is mutated only here,
// through optimistic version checks, so concurrent signals for one strategy
// can never both pass budget checks against stale counters.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// casRetries bounds the optimistic-concurrency retry loop. Contention is per
// strategy and admission is serialized upstream, so conflicts are rare.
const casRetries = 5

// Config holds the tunable parameters of the risk manager.
type Config struct {
	// QuoteMaxAge is the freshness bound for market data. Older quotes are a
	// stale_price rejection, never a best-effort estimate.
	QuoteMaxAge time.Duration
}

// MarketConditions carries the observed market context evaluated during
// admission.
type MarketConditions struct {
	Quote         domain.Quote
	Side          domain.OrderSide
	SignalPrice   float64
	SignalLatency time.Duration // signal occurrence to admission decision
}

// SlippageEstimate returns the fractional adverse move between the signal
// price and the side of the book the order would cross.
func (mc MarketConditions) SlippageEstimate() float64 {
	if mc.SignalPrice <= 0 {
		return 0
	}
	switch mc.Side {
	case domain.OrderSideBuy:
		return (mc.Quote.BestAsk - mc.SignalPrice) / mc.SignalPrice
	case domain.OrderSideSell:
		return (mc.SignalPrice - mc.Quote.BestBid) / mc.SignalPrice
	}
	return 0
}

// SettleKind distinguishes the terminal outcomes reconciled into the ledger.
type SettleKind string

const (
	// SettleRejected releases the full reservation: no capital moved.
	SettleRejected SettleKind = "rejected"
	// SettleFilled trues the reservation up to the actual fill cost. The
	// filled notional stays in open exposure until the market resolves.
	SettleFilled SettleKind = "filled"
	// SettleWon realizes (1.0 - avg_fill) * filled and resets the loss streak.
	SettleWon SettleKind = "won"
	// SettleLost realizes -cost and increments the loss streak.
	SettleLost SettleKind = "lost"
)

// Manager evaluates admission checks and applies settlements.
type Manager struct {
	states     domain.RiskStateStore
	rules      domain.RiskRulesStore
	strategies domain.StrategyStore
	events     domain.ExecutionLogStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager with all required dependencies.
func NewManager(
	states domain.RiskStateStore,
	rules domain.RiskRulesStore,
	strategies domain.StrategyStore,
	events domain.ExecutionLogStore,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 5 * time.Second
	}
	return &Manager{
		states:     states,
		rules:      rules,
		strategies: strategies,
		events:     events,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "risk_manager")),
		now:        time.Now,
	}
}

// Admit runs the ordered admission checks for the given strategy and, when
// every check passes, atomically reserves proposedUSD against the strategy's
// spend counters and open exposure. The returned Decision carries the first
// failed check's reason code; a drawdown or loss-streak breach additionally
// trips the circuit breaker as a side effect.
func (m *Manager) Admit(ctx context.Context, strategyID string, proposedUSD float64, conds MarketConditions) (domain.Decision, error) {
	if proposedUSD <= 0 {
		return domain.Decision{}, fmt.Errorf("risk: proposed size must be positive, got %f", proposedUSD)
	}

	rules, err := m.rules.Get(ctx, strategyID)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("risk: get rules for %s: %w", strategyID, err)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		st, err := m.states.Get(ctx, strategyID)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("risk: get state for %s: %w", strategyID, err)
		}

		now := m.now()
		st.RollSpendWindows(now)
		m.maybeAutoResume(ctx, &st, rules, now)

		decision, tripped := evaluate(&st, rules, proposedUSD, conds, m.cfg.QuoteMaxAge, now)

		if !decision.Allowed && !tripped {
			// Pure rejection: no state change to persist beyond lazily rolled
			// windows, which the next allow will carry.
			m.logDecision(ctx, strategyID, proposedUSD, decision)
			return decision, nil
		}

		st.Version++
		st.UpdatedAt = now.UTC()
		if err := m.states.CompareAndUpdate(ctx, st); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return domain.Decision{}, fmt.Errorf("risk: persist state for %s: %w", strategyID, err)
		}

		if tripped {
			m.appendEvent(ctx, strategyID, "", domain.EventBreakerTripped, map[string]any{
				"reason": string(decision.Reason),
			})
			m.logger.WarnContext(ctx, "circuit breaker tripped",
				slog.String("strategy_id", strategyID),
				slog.String("reason", string(decision.Reason)),
			)
		}
		m.logDecision(ctx, strategyID, proposedUSD, decision)
		return decision, nil
	}

	return domain.Decision{}, fmt.Errorf("risk: admit %s: %w after %d attempts", strategyID, domain.ErrVersionConflict, casRetries)
}

// evaluate runs the check sequence against an in-memory state copy. When the
// decision allows, the reservation has been applied to st; when it trips the
// breaker, st carries the tripped breaker. The caller persists st.
func evaluate(st *domain.RiskState, rules domain.RiskRules, proposedUSD float64, conds MarketConditions, quoteMaxAge time.Duration, now time.Time) (decision domain.Decision, tripped bool) {
	// 1. Pause and breaker gate everything else.
	if st.Paused {
		return domain.Reject(domain.RejectStrategyPaused), false
	}
	if st.Breaker == domain.BreakerTripped {
		return domain.Reject(domain.RejectCircuitBreaker), false
	}

	// 2. Spend caps.
	if rules.DailyCapUSD > 0 && st.DailySpent+proposedUSD > rules.DailyCapUSD {
		return domain.Reject(domain.RejectDailyBudget), false
	}
	if rules.WeeklyCapUSD > 0 && st.WeeklySpent+proposedUSD > rules.WeeklyCapUSD {
		return domain.Reject(domain.RejectWeeklyBudget), false
	}
	if rules.MonthlyCapUSD > 0 && st.MonthlySpent+proposedUSD > rules.MonthlyCapUSD {
		return domain.Reject(domain.RejectMonthlyBudget), false
	}

	// 3. Exposure and position size.
	if rules.MaxExposureUSD > 0 && st.OpenExposure+proposedUSD > rules.MaxExposureUSD {
		return domain.Reject(domain.RejectMaxExposure), false
	}
	if rules.MaxPositionUSD > 0 && proposedUSD > rules.MaxPositionUSD {
		return domain.Reject(domain.RejectPositionTooLarge), false
	}

	// 4. Drawdown. A breach trips the breaker, not just this trade.
	if rules.MaxDrawdown > 0 && st.Drawdown() >= rules.MaxDrawdown {
		trip(st, domain.RejectDrawdown, now)
		return domain.Reject(domain.RejectDrawdown), true
	}

	// 5. Consecutive losses, same breaker side effect.
	if rules.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= rules.MaxConsecutiveLosses {
		trip(st, domain.RejectLossStreak, now)
		return domain.Reject(domain.RejectLossStreak), true
	}

	// 6. Market conditions, freshness first.
	if conds.Quote.Age(now) > quoteMaxAge {
		return domain.Reject(domain.RejectStalePrice), false
	}
	if rules.MaxSlippage > 0 && conds.SlippageEstimate() > rules.MaxSlippage {
		return domain.Reject(domain.RejectSlippage), false
	}
	if rules.MaxSpread > 0 && conds.Quote.Spread() > rules.MaxSpread {
		return domain.Reject(domain.RejectSpread), false
	}
	if rules.MinLiquidityUSD > 0 && conds.Quote.DepthUSD(conds.Side) < rules.MinLiquidityUSD {
		return domain.Reject(domain.RejectLiquidity), false
	}
	if rules.MaxSignalLatency > 0 && conds.SignalLatency > rules.MaxSignalLatency {
		return domain.Reject(domain.RejectLatency), false
	}

	// All checks passed: reserve atomically with the decision.
	st.OpenExposure += proposedUSD
	st.DailySpent += proposedUSD
	st.WeeklySpent += proposedUSD
	st.MonthlySpent += proposedUSD
	return domain.Allow(proposedUSD), false
}

func trip(st *domain.RiskState, reason domain.RejectReason, now time.Time) {
	t := now.UTC()
	st.Breaker = domain.BreakerTripped
	st.BreakerReason = string(reason)
	st.BreakerTrippedAt = &t
}

// maybeAutoResume clears a tripped breaker when the rules opt into timed
// resume and the cool-down has elapsed. Manual resume is the default.
func (m *Manager) maybeAutoResume(ctx context.Context, st *domain.RiskState, rules domain.RiskRules, now time.Time) {
	if st.Breaker != domain.BreakerTripped || rules.AutoResumeAfter <= 0 || st.BreakerTrippedAt == nil {
		return
	}
	if now.Sub(*st.BreakerTrippedAt) < rules.AutoResumeAfter {
		return
	}
	st.Breaker = domain.BreakerNormal
	st.BreakerReason = ""
	st.BreakerTrippedAt = nil
	m.appendEvent(ctx, st.StrategyID, "", domain.EventBreakerResumed, map[string]any{
		"mode": "auto",
	})
}

// Settle reconciles a terminal order outcome back into the ledger. It is the
// only writer besides Admit; each (order, kind) pair must be applied exactly
// once, which the callers guarantee by settling only on state transitions.
func (m *Manager) Settle(ctx context.Context, order domain.Order, kind SettleKind) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		st, err := m.states.Get(ctx, order.StrategyID)
		if err != nil {
			return fmt.Errorf("risk: get state for %s: %w", order.StrategyID, err)
		}

		now := m.now()
		st.RollSpendWindows(now)

		if err := apply(&st, order, kind); err != nil {
			m.appendEvent(ctx, order.StrategyID, order.ID, domain.EventInvariantViolation, map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
			return fmt.Errorf("risk: settle order %s (%s): %w", order.ID, kind, err)
		}

		st.Version++
		st.UpdatedAt = now.UTC()
		if err := m.states.CompareAndUpdate(ctx, st); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("risk: persist settle for %s: %w", order.StrategyID, err)
		}

		m.appendEvent(ctx, order.StrategyID, order.ID, domain.EventSettled, map[string]any{
			"kind":          string(kind),
			"equity":        st.Equity,
			"open_exposure": st.OpenExposure,
		})
		return nil
	}
	return fmt.Errorf("risk: settle order %s: %w after %d attempts", order.ID, domain.ErrVersionConflict, casRetries)
}

// apply mutates the ledger for one settlement. Spend counters are only ever
// refunded down to zero; a refund that lands after a window rollover is
// forfeited rather than driven negative.
func apply(st *domain.RiskState, order domain.Order, kind SettleKind) error {
	switch kind {
	case SettleRejected:
		st.OpenExposure -= order.ReservedUSD
		refundSpend(st, order.ReservedUSD)

	case SettleFilled:
		cost := order.CostUSD()
		refund := order.ReservedUSD - cost
		st.OpenExposure -= refund
		if refund > 0 {
			refundSpend(st, refund)
		}

	case SettleWon:
		pnl := (1.0 - order.AvgFillPrice) * order.FilledSize
		cost := order.CostUSD()
		st.Equity += pnl
		st.RealizedPnL += pnl
		st.OpenExposure -= cost
		st.ConsecutiveLosses = 0
		if st.Equity > st.PeakEquity {
			st.PeakEquity = st.Equity
		}

	case SettleLost:
		cost := order.CostUSD()
		st.Equity -= cost
		st.RealizedPnL -= cost
		st.OpenExposure -= cost
		st.ConsecutiveLosses++

	default:
		return fmt.Errorf("unknown settle kind %q", kind)
	}

	if st.OpenExposure < -1e-9 || st.Equity < -1e-9 {
		return domain.ErrInvariantViolation
	}
	if st.OpenExposure < 0 {
		st.OpenExposure = 0
	}
	return nil
}

func refundSpend(st *domain.RiskState, amount float64) {
	st.DailySpent = max(0, st.DailySpent-amount)
	st.WeeklySpent = max(0, st.WeeklySpent-amount)
	st.MonthlySpent = max(0, st.MonthlySpent-amount)
}

// Pause stops admission for a strategy. Outstanding orders keep being tracked
// to terminal state.
func (m *Manager) Pause(ctx context.Context, strategyID string) error {
	return m.setPaused(ctx, strategyID, true)
}

// Resume re-enables admission for a paused strategy.
func (m *Manager) Resume(ctx context.Context, strategyID string) error {
	return m.setPaused(ctx, strategyID, false)
}

func (m *Manager) setPaused(ctx context.Context, strategyID string, paused bool) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		st, err := m.states.Get(ctx, strategyID)
		if err != nil {
			return fmt.Errorf("risk: get state for %s: %w", strategyID, err)
		}
		st.Paused = paused
		st.Version++
		st.UpdatedAt = m.now().UTC()
		if err := m.states.CompareAndUpdate(ctx, st); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("risk: persist pause for %s: %w", strategyID, err)
		}
		if err := m.strategies.SetPaused(ctx, strategyID, paused); err != nil {
			return fmt.Errorf("risk: mark strategy %s paused=%t: %w", strategyID, paused, err)
		}
		return nil
	}
	return fmt.Errorf("risk: pause %s: %w", strategyID, domain.ErrVersionConflict)
}

// ResumeBreaker is the manual operator override that returns a tripped
// breaker to normal.
func (m *Manager) ResumeBreaker(ctx context.Context, strategyID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		st, err := m.states.Get(ctx, strategyID)
		if err != nil {
			return fmt.Errorf("risk: get state for %s: %w", strategyID, err)
		}
		if st.Breaker != domain.BreakerTripped {
			return nil
		}
		st.Breaker = domain.BreakerNormal
		st.BreakerReason = ""
		st.BreakerTrippedAt = nil
		st.Version++
		st.UpdatedAt = m.now().UTC()
		if err := m.states.CompareAndUpdate(ctx, st); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("risk: persist breaker resume for %s: %w", strategyID, err)
		}
		m.appendEvent(ctx, strategyID, "", domain.EventBreakerResumed, map[string]any{
			"mode": "manual",
		})
		return nil
	}
	return fmt.Errorf("risk: resume breaker %s: %w", strategyID, domain.ErrVersionConflict)
}

// State returns the current ledger for a strategy.
func (m *Manager) State(ctx context.Context, strategyID string) (domain.RiskState, error) {
	st, err := m.states.Get(ctx, strategyID)
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("risk: get state for %s: %w", strategyID, err)
	}
	return st, nil
}

func (m *Manager) logDecision(ctx context.Context, strategyID string, proposedUSD float64, d domain.Decision) {
	if d.Allowed {
		m.appendEvent(ctx, strategyID, "", domain.EventAdmissionAllowed, map[string]any{
			"proposed_usd": proposedUSD,
		})
		return
	}
	m.appendEvent(ctx, strategyID, "", domain.EventAdmissionRejected, map[string]any{
		"proposed_usd": proposedUSD,
		"reason":       string(d.Reason),
	})
	m.logger.InfoContext(ctx, "admission rejected",
		slog.String("strategy_id", strategyID),
		slog.Float64("proposed_usd", proposedUSD),
		slog.String("reason", string(d.Reason)),
	)
}

// appendEvent records to the execution log; failures are logged but never
// block the money path.
func (m *Manager) appendEvent(ctx context.Context, strategyID, orderID string, kind domain.EventKind, detail map[string]any) {
	err := m.events.Append(ctx, domain.ExecutionEvent{
		StrategyID: strategyID,
		OrderID:    orderID,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  m.now().UTC(),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "execution log append failed",
			slog.String("strategy_id", strategyID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}
