package domain

// RejectReason is a distinguishable admission rejection code. Rejections are
// expected outcomes, surfaced for observability and never retried.
type RejectReason string

const (
	RejectStrategyPaused   RejectReason = "strategy_paused"
	RejectCircuitBreaker   RejectReason = "circuit_breaker_active"
	RejectDailyBudget      RejectReason = "daily_budget_exceeded"
	RejectWeeklyBudget     RejectReason = "weekly_budget_exceeded"
	RejectMonthlyBudget    RejectReason = "monthly_budget_exceeded"
	RejectMaxExposure      RejectReason = "max_exposure_exceeded"
	RejectPositionTooLarge RejectReason = "position_too_large"
	RejectDrawdown         RejectReason = "drawdown_exceeded"
	RejectLossStreak       RejectReason = "loss_streak_exceeded"
	RejectSlippage         RejectReason = "slippage_exceeded"
	RejectSpread           RejectReason = "spread_too_wide"
	RejectLiquidity        RejectReason = "insufficient_liquidity"
	RejectStalePrice       RejectReason = "stale_price"
	RejectLatency          RejectReason = "latency_exceeded"
)

// Decision is the outcome of an admission check. On an allowed decision the
// proposed size has already been reserved against the strategy's ledger.
type Decision struct {
	Allowed     bool
	Reason      RejectReason // set when not allowed
	ReservedUSD float64      // set when allowed
}

// Allow returns an allowing decision carrying the reservation amount.
func Allow(reservedUSD float64) Decision {
	return Decision{Allowed: true, ReservedUSD: reservedUSD}
}

// Reject returns a rejecting decision with the given reason code.
func Reject(reason RejectReason) Decision {
	return Decision{Allowed: false, Reason: reason}
}
