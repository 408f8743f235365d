package resolution

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/risk"
)

// --- fakes shared by the resolver and redeemer tests ---

type memOrders struct {
	orders map[string]domain.Order
}

func (m *memOrders) Create(_ context.Context, o domain.Order) error {
	m.orders[o.ID] = o
	return nil
}
func (m *memOrders) Update(_ context.Context, o domain.Order) error {
	m.orders[o.ID] = o
	return nil
}
func (m *memOrders) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}
func (m *memOrders) GetBySignal(context.Context, string, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (m *memOrders) ListNonTerminal(context.Context) ([]domain.Order, error) { return nil, nil }
func (m *memOrders) ListUnresolved(context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusFilled && o.Outcome == domain.OutcomeOpen {
			out = append(out, o)
		}
	}
	return out, nil
}
func (m *memOrders) ListByStrategy(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}
func (m *memOrders) ListResolvedBefore(context.Context, time.Time, int) ([]domain.Order, error) {
	return nil, nil
}

type memRedemptions struct {
	byID map[string]domain.Redemption
}

func (m *memRedemptions) Create(_ context.Context, r domain.Redemption) error {
	for _, ex := range m.byID {
		if ex.OrderID == r.OrderID {
			return domain.ErrAlreadyExists
		}
	}
	m.byID[r.ID] = r
	return nil
}
func (m *memRedemptions) Update(_ context.Context, r domain.Redemption) error {
	m.byID[r.ID] = r
	return nil
}
func (m *memRedemptions) GetByID(_ context.Context, id string) (domain.Redemption, error) {
	r, ok := m.byID[id]
	if !ok {
		return domain.Redemption{}, domain.ErrNotFound
	}
	return r, nil
}
func (m *memRedemptions) GetByOrder(_ context.Context, orderID string) (domain.Redemption, error) {
	for _, r := range m.byID {
		if r.OrderID == orderID {
			return r, nil
		}
	}
	return domain.Redemption{}, domain.ErrNotFound
}
func (m *memRedemptions) ListUnconfirmed(context.Context) ([]domain.Redemption, error) {
	var out []domain.Redemption
	for _, r := range m.byID {
		if r.Status != domain.RedemptionConfirmed {
			out = append(out, r)
		}
	}
	return out, nil
}

type memEvents struct {
	entries []domain.ExecutionEvent
}

func (m *memEvents) Append(_ context.Context, e domain.ExecutionEvent) error {
	m.entries = append(m.entries, e)
	return nil
}
func (m *memEvents) ListByOrder(context.Context, string) ([]domain.ExecutionEvent, error) {
	return nil, nil
}
func (m *memEvents) ListByStrategy(context.Context, string, domain.ListOpts) ([]domain.ExecutionEvent, error) {
	return nil, nil
}
func (m *memEvents) ListBefore(context.Context, time.Time, int) ([]domain.ExecutionEvent, error) {
	return nil, nil
}
func (m *memEvents) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memStates struct {
	states map[string]domain.RiskState
	// conflictsLeft forces ErrVersionConflict on the next N CompareAndUpdate
	// calls to exhaust the retry loop.
	conflictsLeft int
}

func (m *memStates) Create(_ context.Context, s domain.RiskState) error {
	m.states[s.StrategyID] = s
	return nil
}
func (m *memStates) Get(_ context.Context, id string) (domain.RiskState, error) {
	st, ok := m.states[id]
	if !ok {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return st, nil
}
func (m *memStates) CompareAndUpdate(_ context.Context, next domain.RiskState) error {
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return domain.ErrVersionConflict
	}
	cur := m.states[next.StrategyID]
	if cur.Version != next.Version-1 {
		return domain.ErrVersionConflict
	}
	m.states[next.StrategyID] = next
	return nil
}

type memRules struct{}

func (memRules) Upsert(context.Context, domain.RiskRules) error { return nil }
func (memRules) Get(_ context.Context, id string) (domain.RiskRules, error) {
	return domain.RiskRules{StrategyID: id}, nil
}

type nopStrategies struct{}

func (nopStrategies) Create(context.Context, domain.Strategy) error { return nil }
func (nopStrategies) Update(context.Context, domain.Strategy) error { return nil }
func (nopStrategies) GetByID(context.Context, string) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}
func (nopStrategies) GetBySourceAccount(context.Context, string, string) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}
func (nopStrategies) ListBySource(context.Context, string) ([]domain.Strategy, error) {
	return nil, nil
}
func (nopStrategies) ListActive(context.Context) ([]domain.Strategy, error) { return nil, nil }
func (nopStrategies) SetPaused(context.Context, string, bool) error         { return nil }
func (nopStrategies) AdvanceWatermark(context.Context, string, domain.SignalWatermark) error {
	return nil
}

type scriptOracle struct {
	resolutions map[string]domain.MarketResolution
	errs        map[string]error
	calls       int
}

func (o *scriptOracle) Resolution(_ context.Context, marketID string) (domain.MarketResolution, error) {
	o.calls++
	if err, ok := o.errs[marketID]; ok {
		return domain.MarketResolution{}, err
	}
	return o.resolutions[marketID], nil
}

type memLocks struct {
	held     bool
	acquired int
	released int
}

func (m *memLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	if m.held {
		return nil, domain.ErrLockHeld
	}
	m.acquired++
	return func() { m.released++ }, nil
}

// --- harness ---

type resolverHarness struct {
	res         *Resolver
	orders      *memOrders
	redemptions *memRedemptions
	states      *memStates
	events      *memEvents
	oracle      *scriptOracle
	locks       *memLocks
}

func newResolverHarness(t *testing.T) *resolverHarness {
	t.Helper()
	h := &resolverHarness{
		orders:      &memOrders{orders: make(map[string]domain.Order)},
		redemptions: &memRedemptions{byID: make(map[string]domain.Redemption)},
		states:      &memStates{states: make(map[string]domain.RiskState)},
		events:      &memEvents{},
		oracle: &scriptOracle{
			resolutions: make(map[string]domain.MarketResolution),
			errs:        make(map[string]error),
		},
		locks: &memLocks{},
	}
	riskMgr := risk.NewManager(h.states, memRules{}, nopStrategies{}, h.events,
		risk.Config{}, slog.Default())
	h.res = NewResolver(h.orders, h.redemptions, h.events, riskMgr, h.oracle,
		h.locks, time.Minute, slog.Default())
	return h
}

// seedFilled installs a filled order with its cost carried as open exposure.
func (h *resolverHarness) seedFilled(id, marketID, tokenID string, side domain.OrderSide, size, avgPrice float64) {
	cost := size * avgPrice
	st, ok := h.states.states["strat-1"]
	if !ok {
		st = domain.NewRiskState("strat-1", 1000, time.Now())
	}
	st.OpenExposure += cost
	st.DailySpent += cost
	st.WeeklySpent += cost
	st.MonthlySpent += cost
	h.states.states["strat-1"] = st

	h.orders.orders[id] = domain.Order{
		ID: id, StrategyID: "strat-1",
		MarketID: marketID, TokenID: tokenID, Side: side,
		Status: domain.OrderStatusFilled, Outcome: domain.OutcomeOpen,
		RequestedSize: size, FilledSize: size, AvgFillPrice: avgPrice,
		ReservedUSD: cost,
	}
}

func (h *resolverHarness) resolveMarket(marketID, winningTokenID string) {
	h.oracle.resolutions[marketID] = domain.MarketResolution{
		MarketID: marketID, Resolved: true,
		WinningTokenID: winningTokenID, ResolvedAt: time.Now(),
	}
}

// --- tests ---

func TestSweep_WinRealizesGainAndEnqueuesRedemption(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideBuy, 100, 0.40)
	h.resolveMarket("mkt-1", "tok-yes")

	require.NoError(t, h.res.Sweep(context.Background()))

	o := h.orders.orders["o1"]
	assert.Equal(t, domain.OutcomeWon, o.Outcome)
	require.NotNil(t, o.ResolvedAt)
	require.NotNil(t, o.RedemptionID)

	// Winning tokens redeem at $1: pnl = (1 - 0.40) * 100 = $60.
	st := h.states.states["strat-1"]
	assert.InDelta(t, 1060.0, st.Equity, 1e-9)
	assert.InDelta(t, 60.0, st.RealizedPnL, 1e-9)
	assert.Zero(t, st.OpenExposure)

	red, err := h.redemptions.GetByOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionPending, red.Status)
	assert.InDelta(t, 100.0, red.ClaimUSD, 1e-9)
}

func TestSweep_LossRealizesCostWithoutRedemption(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-no", domain.OrderSideBuy, 100, 0.40)
	h.resolveMarket("mkt-1", "tok-yes")

	require.NoError(t, h.res.Sweep(context.Background()))

	o := h.orders.orders["o1"]
	assert.Equal(t, domain.OutcomeLost, o.Outcome)
	assert.Nil(t, o.RedemptionID)

	st := h.states.states["strat-1"]
	assert.InDelta(t, 960.0, st.Equity, 1e-9)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Empty(t, h.redemptions.byID)
}

func TestSweep_SellingTheWinnerLoses(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideSell, 100, 0.60)
	h.resolveMarket("mkt-1", "tok-yes")

	require.NoError(t, h.res.Sweep(context.Background()))

	assert.Equal(t, domain.OutcomeLost, h.orders.orders["o1"].Outcome)
}

func TestSweep_UnresolvedMarketLeavesOrdersOpen(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideBuy, 100, 0.40)
	// No resolution installed: the oracle reports an open market.

	require.NoError(t, h.res.Sweep(context.Background()))

	assert.Equal(t, domain.OutcomeOpen, h.orders.orders["o1"].Outcome)
	assert.Empty(t, h.redemptions.byID)
}

func TestSweep_OracleFailureSkipsMarketOnly(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-down", "tok-a", domain.OrderSideBuy, 50, 0.50)
	h.seedFilled("o2", "mkt-up", "tok-b", domain.OrderSideBuy, 100, 0.40)
	h.oracle.errs["mkt-down"] = errors.New("gamma: 502")
	h.resolveMarket("mkt-up", "tok-b")

	require.NoError(t, h.res.Sweep(context.Background()))

	assert.Equal(t, domain.OutcomeOpen, h.orders.orders["o1"].Outcome)
	assert.Equal(t, domain.OutcomeWon, h.orders.orders["o2"].Outcome)
}

func TestSweep_LedgerFailureRetriedOnNextSweep(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideBuy, 100, 0.40)
	h.resolveMarket("mkt-1", "tok-yes")

	// Exhaust the ledger's optimistic-concurrency retries: the order must
	// stay unresolved so the outcome is not lost.
	h.states.conflictsLeft = 10
	require.NoError(t, h.res.Sweep(context.Background()))

	o := h.orders.orders["o1"]
	assert.Equal(t, domain.OutcomeOpen, o.Outcome)
	st := h.states.states["strat-1"]
	assert.InDelta(t, 1000.0, st.Equity, 1e-9)
	assert.InDelta(t, 40.0, st.OpenExposure, 1e-9)
	assert.Zero(t, st.RealizedPnL)

	// The next sweep finds the order again and settles it.
	h.states.conflictsLeft = 0
	require.NoError(t, h.res.Sweep(context.Background()))

	o = h.orders.orders["o1"]
	assert.Equal(t, domain.OutcomeWon, o.Outcome)
	st = h.states.states["strat-1"]
	assert.InDelta(t, 1060.0, st.Equity, 1e-9)
	assert.InDelta(t, 60.0, st.RealizedPnL, 1e-9)
	assert.Zero(t, st.OpenExposure)

	// The redemption enqueued during the failed pass is reused, not doubled.
	require.Len(t, h.redemptions.byID, 1)
	red, err := h.redemptions.GetByOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.NotNil(t, o.RedemptionID)
	assert.Equal(t, red.ID, *o.RedemptionID)
}

func TestSweep_SkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideBuy, 100, 0.40)
	h.resolveMarket("mkt-1", "tok-yes")

	h.locks.held = true
	require.NoError(t, h.res.Sweep(context.Background()))

	assert.Zero(t, h.oracle.calls)
	assert.Equal(t, domain.OutcomeOpen, h.orders.orders["o1"].Outcome)

	h.locks.held = false
	require.NoError(t, h.res.Sweep(context.Background()))
	assert.Equal(t, domain.OutcomeWon, h.orders.orders["o1"].Outcome)
	assert.Equal(t, h.locks.acquired, h.locks.released)
}

func TestSweep_SettlementIsExactlyOnce(t *testing.T) {
	h := newResolverHarness(t)
	h.seedFilled("o1", "mkt-1", "tok-yes", domain.OrderSideBuy, 100, 0.40)
	h.resolveMarket("mkt-1", "tok-yes")

	require.NoError(t, h.res.Sweep(context.Background()))
	// A resolved order no longer lists as unresolved; a second sweep is a no-op.
	require.NoError(t, h.res.Sweep(context.Background()))

	st := h.states.states["strat-1"]
	assert.InDelta(t, 1060.0, st.Equity, 1e-9)
	assert.Len(t, h.redemptions.byID, 1)
}
