package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/intake"
)

// Launcher is the strategy lifecycle surface the handler needs.
type Launcher interface {
	Launch(ctx context.Context, p intake.LaunchParams) (domain.Strategy, error)
	Terminate(ctx context.Context, strategyID string) error
}

// RiskControl is the operator surface of the risk manager.
type RiskControl interface {
	Pause(ctx context.Context, strategyID string) error
	Resume(ctx context.Context, strategyID string) error
	ResumeBreaker(ctx context.Context, strategyID string) error
	State(ctx context.Context, strategyID string) (domain.RiskState, error)
}

// StrategyHandler serves strategy lifecycle and risk endpoints.
type StrategyHandler struct {
	strategies domain.StrategyStore
	rules      domain.RiskRulesStore
	launcher   Launcher
	risk       RiskControl
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(
	strategies domain.StrategyStore,
	rules domain.RiskRulesStore,
	launcher Launcher,
	risk RiskControl,
	logger *slog.Logger,
) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		rules:      rules,
		launcher:   launcher,
		risk:       risk,
		logger:     logger,
	}
}

// launchRequest is the JSON body for launching a strategy.
type launchRequest struct {
	Source            string          `json:"source"`
	Account           string          `json:"account"`
	StartingCapital   float64         `json:"starting_capital"`
	SlippageTolerance float64         `json:"slippage_tolerance"`
	SizingFraction    float64         `json:"sizing_fraction"`
	Rules             riskRulesEnvelope `json:"rules"`
}

// riskRulesEnvelope is the JSON shape of risk rules, with durations in
// seconds for operator ergonomics.
type riskRulesEnvelope struct {
	DailyCapUSD          float64 `json:"daily_cap_usd"`
	WeeklyCapUSD         float64 `json:"weekly_cap_usd"`
	MonthlyCapUSD        float64 `json:"monthly_cap_usd"`
	MaxPositionUSD       float64 `json:"max_position_usd"`
	MaxExposureUSD       float64 `json:"max_exposure_usd"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxSlippage          float64 `json:"max_slippage"`
	MaxSpread            float64 `json:"max_spread"`
	MinLiquidityUSD      float64 `json:"min_liquidity_usd"`
	MaxSignalLatencySec  int64   `json:"max_signal_latency_sec"`
	AutoResumeAfterSec   int64   `json:"auto_resume_after_sec"`
}

func (e riskRulesEnvelope) toDomain(strategyID string) domain.RiskRules {
	return domain.RiskRules{
		StrategyID:           strategyID,
		DailyCapUSD:          e.DailyCapUSD,
		WeeklyCapUSD:         e.WeeklyCapUSD,
		MonthlyCapUSD:        e.MonthlyCapUSD,
		MaxPositionUSD:       e.MaxPositionUSD,
		MaxExposureUSD:       e.MaxExposureUSD,
		MaxDrawdown:          e.MaxDrawdown,
		MaxConsecutiveLosses: e.MaxConsecutiveLosses,
		MaxSlippage:          e.MaxSlippage,
		MaxSpread:            e.MaxSpread,
		MinLiquidityUSD:      e.MinLiquidityUSD,
		MaxSignalLatency:     time.Duration(e.MaxSignalLatencySec) * time.Second,
		AutoResumeAfter:      time.Duration(e.AutoResumeAfterSec) * time.Second,
	}
}

// Launch creates a strategy with its risk rules and seeded ledger.
// POST /api/strategies
func (h *StrategyHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	strat, err := h.launcher.Launch(r.Context(), intake.LaunchParams{
		Source:            req.Source,
		Account:           req.Account,
		StartingCapital:   req.StartingCapital,
		SlippageTolerance: req.SlippageTolerance,
		SizingFraction:    req.SizingFraction,
		Rules:             req.Rules.toDomain(""),
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "active strategy exists for this source and account")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: launch failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, strat)
}

// List returns active strategies, optionally filtered by source.
// GET /api/strategies?source=...
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		strategies []domain.Strategy
		err        error
	)
	if source := r.URL.Query().Get("source"); source != "" {
		strategies, err = h.strategies.ListBySource(r.Context(), source)
	} else {
		strategies, err = h.strategies.ListActive(r.Context())
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list strategies failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}
	if strategies == nil {
		strategies = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

// Get returns one strategy.
// GET /api/strategies/{id}
func (h *StrategyHandler) Get(w http.ResponseWriter, r *http.Request) {
	strat, err := h.strategies.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load strategy")
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// Pause halts admission for a strategy; open orders keep being tracked.
// POST /api/strategies/{id}/pause
func (h *StrategyHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.riskAction(w, r, "pause", h.risk.Pause)
}

// Resume re-enables admission for a paused strategy.
// POST /api/strategies/{id}/resume
func (h *StrategyHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.riskAction(w, r, "resume", h.risk.Resume)
}

// ResetBreaker manually resets a tripped circuit breaker.
// POST /api/strategies/{id}/breaker/reset
func (h *StrategyHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.riskAction(w, r, "breaker_reset", h.risk.ResumeBreaker)
}

// Terminate deactivates a strategy permanently.
// POST /api/strategies/{id}/terminate
func (h *StrategyHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	h.riskAction(w, r, "terminate", h.launcher.Terminate)
}

func (h *StrategyHandler) riskAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing strategy id")
		return
	}
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: strategy action failed",
			slog.String("action", action),
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": action, "strategy_id": id})
}

// RiskState returns the strategy's current ledger.
// GET /api/strategies/{id}/risk
func (h *StrategyHandler) RiskState(w http.ResponseWriter, r *http.Request) {
	st, err := h.risk.State(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load risk state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetRules returns the strategy's risk rules.
// GET /api/strategies/{id}/rules
func (h *StrategyHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load rules")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// UpdateRules replaces the strategy's risk rules. Rules edits are an
// explicit operator action; the execution path never writes them.
// PUT /api/strategies/{id}/rules
func (h *StrategyHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := h.strategies.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load strategy")
		return
	}

	var env riskRulesEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rules := env.toDomain(id)
	if err := h.rules.Upsert(r.Context(), rules); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: rules update failed",
			slog.String("strategy_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update rules")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}
