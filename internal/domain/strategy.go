package domain

import "time"

// Strategy mirrors one signal source into one live trading account. There is
// exactly one non-terminated Strategy per (source, account) pair. Strategies
// are paused, never deleted.
type Strategy struct {
	ID                string
	Source            string // linked signal-source identifier
	Account           string // owning wallet address
	Active            bool   // false = terminated, excluded from intake
	Paused            bool   // operator or risk-manager pause
	LaunchedAt        time.Time
	StartingCapital   float64
	SlippageTolerance float64 // fractional, e.g. 0.03 = 3%
	SizingFraction    float64 // fraction of available capital per trade
	Watermark         SignalWatermark
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Eligible reports whether the strategy may act on a signal that occurred at
// the given time. The watermark check is handled separately by the intake.
func (s Strategy) Eligible(occurredAt time.Time) bool {
	return s.Active && !s.Paused && !s.LaunchedAt.After(occurredAt)
}

// RiskRules is the immutable per-strategy risk template. It is edited only by
// explicit operator action, never by the execution path.
type RiskRules struct {
	StrategyID           string
	DailyCapUSD          float64
	WeeklyCapUSD         float64
	MonthlyCapUSD        float64
	MaxPositionUSD       float64
	MaxExposureUSD       float64
	MaxDrawdown          float64 // fraction of peak equity
	MaxConsecutiveLosses int
	MaxSlippage          float64 // fraction vs signal price
	MaxSpread            float64 // absolute, in normalized price units
	MinLiquidityUSD      float64
	MaxSignalLatency     time.Duration
	// AutoResumeAfter enables timed circuit-breaker resume when positive;
	// zero means manual resume only.
	AutoResumeAfter time.Duration
	UpdatedAt       time.Time
}

// BreakerState is the circuit-breaker state for a strategy.
type BreakerState string

const (
	BreakerNormal  BreakerState = "normal"
	BreakerTripped BreakerState = "tripped"
)

// RiskState is the single source of truth for admission decisions, one per
// strategy. It is mutated only through admission reservation and post-trade
// settlement, guarded by an optimistic version check.
type RiskState struct {
	StrategyID       string
	Equity           float64 // cash + cost basis of unresolved positions
	PeakEquity       float64
	RealizedPnL      float64
	OpenExposure     float64 // USD reserved or committed in unresolved orders
	DailySpent       float64
	WeeklySpent      float64
	MonthlySpent     float64
	DailyResetAt     time.Time // start of the current daily window
	WeeklyResetAt    time.Time
	MonthlyResetAt   time.Time
	ConsecutiveLosses int
	Breaker          BreakerState
	BreakerReason    string
	BreakerTrippedAt *time.Time
	Paused           bool
	Version          int64
	UpdatedAt        time.Time
}

// AvailableCapital is equity not committed to unresolved orders. The ledger
// invariant is OpenExposure + AvailableCapital == Equity at all times.
func (s RiskState) AvailableCapital() float64 {
	return s.Equity - s.OpenExposure
}

// Drawdown returns the current fractional drawdown from peak equity.
func (s RiskState) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}

// NewRiskState returns the initial ledger for a freshly launched strategy.
func NewRiskState(strategyID string, startingCapital float64, now time.Time) RiskState {
	return RiskState{
		StrategyID:     strategyID,
		Equity:         startingCapital,
		PeakEquity:     startingCapital,
		Breaker:        BreakerNormal,
		DailyResetAt:   now.UTC().Truncate(24 * time.Hour),
		WeeklyResetAt:  startOfWeek(now),
		MonthlyResetAt: startOfMonth(now),
		Version:        1,
		UpdatedAt:      now.UTC(),
	}
}

func startOfWeek(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	// ISO week starts Monday.
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RollSpendWindows zeroes any spend counter whose window has elapsed and moves
// the window anchor forward. Returns true when at least one window rolled.
func (s *RiskState) RollSpendWindows(now time.Time) bool {
	rolled := false
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(s.DailyResetAt) {
		s.DailySpent = 0
		s.DailyResetAt = day
		rolled = true
	}
	if wk := startOfWeek(now); wk.After(s.WeeklyResetAt) {
		s.WeeklySpent = 0
		s.WeeklyResetAt = wk
		rolled = true
	}
	if mo := startOfMonth(now); mo.After(s.MonthlyResetAt) {
		s.MonthlySpent = 0
		s.MonthlyResetAt = mo
		rolled = true
	}
	return rolled
}
