package intake

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

func TestDecodeSignal_RoundTripsEncodedSignal(t *testing.T) {
	in := domain.CandidateSignal{
		ID: "sig-1", Source: "paper-1",
		MarketID: "mkt-1", TokenID: "tok-1",
		Side: domain.OrderSideBuy, Price: 0.49, Size: 120,
		Conviction: 0.8,
		OccurredAt: time.Date(2026, 3, 4, 12, 0, 0, 123456789, time.UTC),
	}

	payload, err := EncodeSignal(in)
	require.NoError(t, err)

	out, err := DecodeSignal(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeSignal_RejectsMissingIdentity(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"source":"paper-1","side":"buy","occurred_at":"2026-03-04T12:00:00Z"}`))
	assert.Error(t, err)

	_, err = DecodeSignal([]byte(`{"id":"sig-1","side":"buy","occurred_at":"2026-03-04T12:00:00Z"}`))
	assert.Error(t, err)
}

func TestDecodeSignal_RejectsUnknownSide(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"id":"sig-1","source":"paper-1","side":"short","occurred_at":"2026-03-04T12:00:00Z"}`))
	assert.Error(t, err)
}

func TestDecodeSignal_RejectsMalformedPayload(t *testing.T) {
	_, err := DecodeSignal([]byte(`{not json`))
	assert.Error(t, err)
}

func TestShouldExecute_FiltersSignals(t *testing.T) {
	in := NewIntake(nil, nil, nil, "signals:candidates", time.Second, slog.Default())

	launched := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	strat := domain.Strategy{
		ID: "strat-1", Source: "paper-1", Account: "0xabc",
		Active: true, LaunchedAt: launched,
	}
	fresh := domain.CandidateSignal{
		ID: "sig-2", Source: "paper-1", Side: domain.OrderSideBuy,
		OccurredAt: launched.Add(time.Minute),
	}

	assert.True(t, in.shouldExecute(strat, fresh))

	wrongSource := fresh
	wrongSource.Source = "paper-2"
	assert.False(t, in.shouldExecute(strat, wrongSource))

	preLaunch := fresh
	preLaunch.OccurredAt = launched.Add(-time.Minute)
	assert.False(t, in.shouldExecute(strat, preLaunch))

	paused := strat
	paused.Paused = true
	assert.False(t, in.shouldExecute(paused, fresh))

	terminated := strat
	terminated.Active = false
	assert.False(t, in.shouldExecute(terminated, fresh))
}

func TestShouldExecute_WatermarkSkipsProcessedSignals(t *testing.T) {
	in := NewIntake(nil, nil, nil, "signals:candidates", time.Second, slog.Default())

	launched := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	strat := domain.Strategy{
		ID: "strat-1", Source: "paper-1", Active: true, LaunchedAt: launched,
		Watermark: domain.SignalWatermark{
			SignalID:   "sig-5",
			OccurredAt: launched.Add(5 * time.Minute),
		},
	}

	same := domain.CandidateSignal{
		ID: "sig-5", Source: "paper-1",
		OccurredAt: launched.Add(5 * time.Minute),
	}
	assert.False(t, in.shouldExecute(strat, same))

	earlier := domain.CandidateSignal{
		ID: "sig-3", Source: "paper-1",
		OccurredAt: launched.Add(2 * time.Minute),
	}
	assert.False(t, in.shouldExecute(strat, earlier))

	later := domain.CandidateSignal{
		ID: "sig-6", Source: "paper-1",
		OccurredAt: launched.Add(6 * time.Minute),
	}
	assert.True(t, in.shouldExecute(strat, later))
}

// --- registry fakes ---

type memStrategies struct {
	byID map[string]domain.Strategy
}

func (m *memStrategies) Create(_ context.Context, s domain.Strategy) error {
	m.byID[s.ID] = s
	return nil
}
func (m *memStrategies) Update(_ context.Context, s domain.Strategy) error {
	m.byID[s.ID] = s
	return nil
}
func (m *memStrategies) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s, ok := m.byID[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return s, nil
}
func (m *memStrategies) GetBySourceAccount(_ context.Context, source, account string) (domain.Strategy, error) {
	for _, s := range m.byID {
		if s.Source == source && s.Account == account && s.Active {
			return s, nil
		}
	}
	return domain.Strategy{}, domain.ErrNotFound
}
func (m *memStrategies) ListBySource(context.Context, string) ([]domain.Strategy, error) {
	return nil, nil
}
func (m *memStrategies) ListActive(context.Context) ([]domain.Strategy, error) { return nil, nil }
func (m *memStrategies) SetPaused(context.Context, string, bool) error         { return nil }
func (m *memStrategies) AdvanceWatermark(context.Context, string, domain.SignalWatermark) error {
	return nil
}

type memRules struct {
	rules map[string]domain.RiskRules
}

func (m *memRules) Upsert(_ context.Context, r domain.RiskRules) error {
	m.rules[r.StrategyID] = r
	return nil
}
func (m *memRules) Get(_ context.Context, id string) (domain.RiskRules, error) {
	r, ok := m.rules[id]
	if !ok {
		return domain.RiskRules{}, domain.ErrNotFound
	}
	return r, nil
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
	m.states[next.StrategyID] = next
	return nil
}

func newTestRegistry() (*Registry, *memStrategies, *memRules, *memStates) {
	strategies := &memStrategies{byID: make(map[string]domain.Strategy)}
	rules := &memRules{rules: make(map[string]domain.RiskRules)}
	states := &memStates{states: make(map[string]domain.RiskState)}
	return NewRegistry(strategies, rules, states, slog.Default()), strategies, rules, states
}

func validLaunch() LaunchParams {
	return LaunchParams{
		Source:            "paper-1",
		Account:           "0xabc",
		StartingCapital:   1000,
		SlippageTolerance: 0.03,
		SizingFraction:    0.05,
		Rules:             domain.RiskRules{DailyCapUSD: 100},
	}
}

func TestLaunch_SeedsStrategyRulesAndLedger(t *testing.T) {
	reg, strategies, rules, states := newTestRegistry()

	strat, err := reg.Launch(context.Background(), validLaunch())
	require.NoError(t, err)
	require.NotEmpty(t, strat.ID)
	assert.True(t, strat.Active)
	assert.Equal(t, "paper-1", strat.Source)

	stored, err := strategies.GetByID(context.Background(), strat.ID)
	require.NoError(t, err)
	assert.Equal(t, strat.ID, stored.ID)

	r, err := rules.Get(context.Background(), strat.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.DailyCapUSD)

	st, err := states.Get(context.Background(), strat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, st.Equity)
	assert.Zero(t, st.OpenExposure)
}

func TestLaunch_RejectsInvalidParams(t *testing.T) {
	reg, _, _, _ := newTestRegistry()

	p := validLaunch()
	p.Source = ""
	_, err := reg.Launch(context.Background(), p)
	assert.Error(t, err)

	p = validLaunch()
	p.StartingCapital = 0
	_, err = reg.Launch(context.Background(), p)
	assert.Error(t, err)

	p = validLaunch()
	p.SizingFraction = 1.5
	_, err = reg.Launch(context.Background(), p)
	assert.Error(t, err)
}

func TestLaunch_DuplicateSourceAccountRejected(t *testing.T) {
	reg, _, _, _ := newTestRegistry()

	_, err := reg.Launch(context.Background(), validLaunch())
	require.NoError(t, err)

	_, err = reg.Launch(context.Background(), validLaunch())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestTerminate_FreesPairForRelaunch(t *testing.T) {
	reg, strategies, _, _ := newTestRegistry()

	strat, err := reg.Launch(context.Background(), validLaunch())
	require.NoError(t, err)

	require.NoError(t, reg.Terminate(context.Background(), strat.ID))
	stored, _ := strategies.GetByID(context.Background(), strat.ID)
	assert.False(t, stored.Active)

	_, err = reg.Launch(context.Background(), validLaunch())
	assert.NoError(t, err)
}
