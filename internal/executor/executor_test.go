package executor

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

// --- fakes ---

type memOrders struct {
	orders map[string]domain.Order
}

func (m *memOrders) Create(_ context.Context, o domain.Order) error {
	for _, ex := range m.orders {
		if ex.StrategyID == o.StrategyID && ex.SignalID == o.SignalID {
			return domain.ErrAlreadyExists
		}
	}
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
func (m *memOrders) GetBySignal(_ context.Context, strategyID, signalID string) (domain.Order, error) {
	for _, o := range m.orders {
		if o.StrategyID == strategyID && o.SignalID == signalID {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}
func (m *memOrders) ListNonTerminal(context.Context) ([]domain.Order, error) { return nil, nil }
func (m *memOrders) ListUnresolved(context.Context) ([]domain.Order, error)  { return nil, nil }
func (m *memOrders) ListByStrategy(context.Context, string, domain.ListOpts) ([]domain.Order, error) {
	return nil, nil
}
func (m *memOrders) ListResolvedBefore(context.Context, time.Time, int) ([]domain.Order, error) {
	return nil, nil
}

func (m *memOrders) single(t *testing.T) domain.Order {
	t.Helper()
	require.Len(t, m.orders, 1)
	for _, o := range m.orders {
		return o
	}
	return domain.Order{}
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

func (m *memEvents) kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, e := range m.entries {
		out = append(out, e.Kind)
	}
	return out
}

type memQuotes struct {
	quotes map[string]domain.Quote
}

func (m *memQuotes) SetQuote(_ context.Context, q domain.Quote) error {
	m.quotes[q.TokenID] = q
	return nil
}
func (m *memQuotes) GetQuote(_ context.Context, tokenID string) (domain.Quote, error) {
	q, ok := m.quotes[tokenID]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}
func (m *memQuotes) GetQuotes(_ context.Context, tokenIDs []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote)
	for _, id := range tokenIDs {
		if q, ok := m.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

type memStates struct {
	states map[string]domain.RiskState
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
	cur := m.states[next.StrategyID]
	if cur.Version != next.Version-1 {
		return domain.ErrVersionConflict
	}
	m.states[next.StrategyID] = next
	return nil
}

type memRules struct {
	rules domain.RiskRules
}

func (m *memRules) Upsert(_ context.Context, r domain.RiskRules) error {
	m.rules = r
	return nil
}
func (m *memRules) Get(_ context.Context, id string) (domain.RiskRules, error) {
	r := m.rules
	r.StrategyID = id
	return r, nil
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

// scriptVenue serves one scripted outcome per submission attempt.
type scriptVenue struct {
	submits   []func() (domain.SubmitResult, error)
	calls     int
	reconcile func() (domain.FillStatus, error)
}

func (v *scriptVenue) SubmitOrder(context.Context, domain.Order) (domain.SubmitResult, error) {
	if v.calls >= len(v.submits) {
		return domain.SubmitResult{}, errors.New("venue: unscripted submission")
	}
	fn := v.submits[v.calls]
	v.calls++
	return fn()
}

func (v *scriptVenue) ReconcileByClientID(context.Context, string) (domain.FillStatus, error) {
	if v.reconcile == nil {
		return domain.FillStatus{}, domain.ErrNotFound
	}
	return v.reconcile()
}

func accepted(externalID string) func() (domain.SubmitResult, error) {
	return func() (domain.SubmitResult, error) {
		return domain.SubmitResult{
			Accepted:   true,
			ExternalID: externalID,
			Status:     domain.OrderStatusPending,
		}, nil
	}
}

func transientErr(msg string) func() (domain.SubmitResult, error) {
	return func() (domain.SubmitResult, error) {
		return domain.SubmitResult{}, errors.New(msg)
	}
}

// --- harness ---

type execHarness struct {
	exec   *Executor
	orders *memOrders
	events *memEvents
	quotes *memQuotes
	states *memStates
	venue  *scriptVenue
}

func newExecHarness(t *testing.T, venue *scriptVenue) *execHarness {
	t.Helper()
	h := &execHarness{
		orders: &memOrders{orders: make(map[string]domain.Order)},
		events: &memEvents{},
		quotes: &memQuotes{quotes: make(map[string]domain.Quote)},
		states: &memStates{states: make(map[string]domain.RiskState)},
		venue:  venue,
	}
	h.states.states["strat-1"] = domain.NewRiskState("strat-1", 1000, time.Now())

	riskMgr := risk.NewManager(h.states, &memRules{}, nopStrategies{}, h.events,
		risk.Config{QuoteMaxAge: 5 * time.Second}, slog.Default())
	h.exec = NewExecutor(h.orders, h.events, h.quotes, riskMgr, venue, Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, slog.Default())
	return h
}

func (h *execHarness) seedQuote(tokenID string, bid, ask float64) {
	h.quotes.quotes[tokenID] = domain.Quote{
		TokenID: tokenID, BestBid: bid, BestAsk: ask,
		BidSize: 10000, AskSize: 10000,
		UpdatedAt: time.Now(),
	}
}

func testStrategy() domain.Strategy {
	return domain.Strategy{
		ID:                "strat-1",
		Source:            "paper-1",
		Active:            true,
		SlippageTolerance: 0.03,
		SizingFraction:    0.05,
		LaunchedAt:        time.Now().Add(-time.Hour),
	}
}

func testSignal() domain.CandidateSignal {
	return domain.CandidateSignal{
		ID: "sig-1", Source: "paper-1",
		MarketID: "mkt-1", TokenID: "tok-1",
		Side: domain.OrderSideBuy, Price: 0.49, Size: 1000,
		OccurredAt: time.Now(),
	}
}

// --- tests ---

func TestLimitPrice_WidensTheTouchBySide(t *testing.T) {
	q := domain.Quote{BestBid: 0.48, BestAsk: 0.50}
	assert.InDelta(t, 0.515, limitPrice(domain.OrderSideBuy, q, 0.03), 1e-9)
	assert.InDelta(t, 0.4656, limitPrice(domain.OrderSideSell, q, 0.03), 1e-9)
}

func TestExecute_SubmitsMarketableLimitOrder(t *testing.T) {
	venue := &scriptVenue{submits: []func() (domain.SubmitResult, error){accepted("ext-1")}}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	require.NotNil(t, o.ExternalID)
	assert.Equal(t, "ext-1", *o.ExternalID)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.InDelta(t, 0.515, o.LimitPrice, 1e-9)
	// 5% of $1000 available capital, converted to units at the limit price.
	assert.InDelta(t, 50.0, o.ReservedUSD, 1e-9)
	assert.InDelta(t, 50.0/0.515, o.RequestedSize, 1e-9)
	assert.NotNil(t, o.SubmittedAt)

	assert.InDelta(t, 50.0, h.states.states["strat-1"].OpenExposure, 1e-9)
}

func TestExecute_SizingCappedAtSignalNotional(t *testing.T) {
	venue := &scriptVenue{submits: []func() (domain.SubmitResult, error){accepted("ext-1")}}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	sig := testSignal()
	sig.Size = 20 // $9.80 notional, below the $50 fractional size

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), sig))

	o := h.orders.single(t)
	assert.InDelta(t, 9.8, o.ReservedUSD, 1e-9)
}

func TestExecute_ReplayedSignalSkipped(t *testing.T) {
	venue := &scriptVenue{}
	h := newExecHarness(t, venue)
	h.orders.orders["existing"] = domain.Order{
		ID: "existing", StrategyID: "strat-1", SignalID: "sig-1",
		Status: domain.OrderStatusFilled,
	}

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	assert.Zero(t, venue.calls)
	assert.Len(t, h.orders.orders, 1)
}

func TestExecute_StaleQuoteNeverReachesVenue(t *testing.T) {
	venue := &scriptVenue{}
	h := newExecHarness(t, venue)
	h.quotes.quotes["tok-1"] = domain.Quote{
		TokenID: "tok-1", BestBid: 0.48, BestAsk: 0.50,
		BidSize: 10000, AskSize: 10000,
		UpdatedAt: time.Now().Add(-time.Minute),
	}

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	assert.Zero(t, venue.calls)
	assert.Empty(t, h.orders.orders)
	assert.Zero(t, h.states.states["strat-1"].OpenExposure)
}

func TestExecute_DefinitiveRejectionRefundsReservation(t *testing.T) {
	venue := &scriptVenue{submits: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Definitive: true, Message: "market closed"}, nil
		},
	}}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	assert.Equal(t, domain.OrderStatusRejected, o.Status)
	assert.Equal(t, "market closed", o.RejectReason)
	assert.Equal(t, 1, venue.calls)
	assert.Zero(t, h.states.states["strat-1"].OpenExposure)
	assert.Contains(t, h.events.kinds(), domain.EventSubmitRejected)
}

func TestExecute_TransientFailureRetriesThenSucceeds(t *testing.T) {
	venue := &scriptVenue{submits: []func() (domain.SubmitResult, error){
		transientErr("503 from venue"),
		accepted("ext-2"),
	}}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	require.NotNil(t, o.ExternalID)
	assert.Equal(t, "ext-2", *o.ExternalID)
	assert.Equal(t, 2, venue.calls)

	kinds := h.events.kinds()
	assert.Contains(t, kinds, domain.EventSubmitTransient)
	assert.Contains(t, kinds, domain.EventSubmitted)
}

func TestExecute_RetriesExhaustedFailsAndRefunds(t *testing.T) {
	venue := &scriptVenue{submits: []func() (domain.SubmitResult, error){
		transientErr("timeout"),
		transientErr("timeout"),
		transientErr("timeout"),
	}}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)
	assert.Equal(t, 3, venue.calls)
	assert.Zero(t, h.states.states["strat-1"].OpenExposure)
	assert.Contains(t, h.events.kinds(), domain.EventRetriesExhausted)
}

func TestExecute_TimedOutSubmissionReconciledAsLanded(t *testing.T) {
	venue := &scriptVenue{
		submits: []func() (domain.SubmitResult, error){
			func() (domain.SubmitResult, error) {
				return domain.SubmitResult{}, context.DeadlineExceeded
			},
		},
		reconcile: func() (domain.FillStatus, error) {
			return domain.FillStatus{ExternalID: "ext-landed", Status: domain.OrderStatusPending}, nil
		},
	}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	require.NotNil(t, o.ExternalID)
	assert.Equal(t, "ext-landed", *o.ExternalID)
	assert.Equal(t, 1, venue.calls)
	// The reservation stays held; the fill tracker settles it.
	assert.InDelta(t, 50.0, h.states.states["strat-1"].OpenExposure, 1e-9)
	assert.Contains(t, h.events.kinds(), domain.EventSubmitReconciled)
}

func TestExecute_TimedOutSubmissionAbsentResubmits(t *testing.T) {
	venue := &scriptVenue{
		submits: []func() (domain.SubmitResult, error){
			func() (domain.SubmitResult, error) {
				return domain.SubmitResult{}, context.DeadlineExceeded
			},
			accepted("ext-3"),
		},
		// reconcile nil: defaults to ErrNotFound, submission never landed
	}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	require.NotNil(t, o.ExternalID)
	assert.Equal(t, "ext-3", *o.ExternalID)
	assert.Equal(t, 2, venue.calls)
}

func TestExecute_UnknownFinalOutcomeHoldsReservation(t *testing.T) {
	timedOut := func() (domain.SubmitResult, error) {
		return domain.SubmitResult{}, context.DeadlineExceeded
	}
	venue := &scriptVenue{
		submits: []func() (domain.SubmitResult, error){timedOut, timedOut, timedOut},
		reconcile: func() (domain.FillStatus, error) {
			return domain.FillStatus{}, errors.New("clob: 503")
		},
	}
	h := newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	// The venue may hold a live order, so the record stays pending with the
	// reservation intact; the fill tracker revisits it by client order id.
	o := h.orders.single(t)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.Nil(t, o.ExternalID)
	assert.Equal(t, 3, venue.calls)
	assert.InDelta(t, 50.0, h.states.states["strat-1"].OpenExposure, 1e-9)
	assert.Contains(t, h.events.kinds(), domain.EventSubmitUnknown)
	assert.NotContains(t, h.events.kinds(), domain.EventRetriesExhausted)
}

func TestExecute_BreakerTrippedMidRetryHaltsOrder(t *testing.T) {
	var h *execHarness
	venue := &scriptVenue{}
	venue.submits = []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			// The breaker trips while the first attempt is in flight.
			st := h.states.states["strat-1"]
			st.Breaker = domain.BreakerTripped
			h.states.states["strat-1"] = st
			return domain.SubmitResult{}, errors.New("connection reset")
		},
	}
	h = newExecHarness(t, venue)
	h.seedQuote("tok-1", 0.48, 0.50)

	require.NoError(t, h.exec.Execute(context.Background(), testStrategy(), testSignal()))

	o := h.orders.single(t)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)
	assert.Equal(t, "circuit breaker tripped during retries", o.RejectReason)
	assert.Equal(t, 1, venue.calls)
}
