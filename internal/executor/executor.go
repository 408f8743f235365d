// Package executor turns admitted candidate signals into live venue orders.
// It owns sizing, limit pricing, the idempotent order record, and the
// submission retry loop with timeout reconciliation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/risk"
)

// Venue is the interface through which the executor submits orders to the
// exchange and reconciles ambiguous submissions.
type Venue interface {
	SubmitOrder(ctx context.Context, o domain.Order) (domain.SubmitResult, error)
	// ReconcileByClientID looks an order up by its client order id after an
	// ambiguous submission. ErrNotFound means the order never landed and a
	// resubmission is safe.
	ReconcileByClientID(ctx context.Context, clientOrderID string) (domain.FillStatus, error)
}

// Config holds the submission retry parameters.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	SubmitTimeout time.Duration
}

// Executor sizes and submits one live order per admitted signal.
type Executor struct {
	orders domain.OrderStore
	events domain.ExecutionLogStore
	quotes domain.QuoteCache
	risk   *risk.Manager
	venue  Venue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor with all required dependencies.
func NewExecutor(
	orders domain.OrderStore,
	events domain.ExecutionLogStore,
	quotes domain.QuoteCache,
	riskMgr *risk.Manager,
	venue Venue,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	return &Executor{
		orders: orders,
		events: events,
		quotes: quotes,
		risk:   riskMgr,
		venue:  venue,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "executor")),
		now:    time.Now,
	}
}

// Execute mirrors one candidate signal into a live order for the given
// strategy. Replayed signals, admission rejections, and definitive venue
// rejections all return nil: they are expected outcomes, recorded in the
// event log, and must not block the intake from advancing its watermark.
func (e *Executor) Execute(ctx context.Context, strat domain.Strategy, sig domain.CandidateSignal) error {
	log := e.logger.With(
		slog.String("strategy_id", strat.ID),
		slog.String("signal_id", sig.ID),
		slog.String("token_id", sig.TokenID),
		slog.String("side", string(sig.Side)),
	)

	// Idempotency: at most one order per (strategy, signal).
	if _, err := e.orders.GetBySignal(ctx, strat.ID, sig.ID); err == nil {
		log.Debug("signal already executed, skipping")
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("executor: replay check: %w", err)
	}

	quote, err := e.quotes.GetQuote(ctx, sig.TokenID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("executor: quote lookup: %w", err)
	}
	// A cache miss leaves a zero-valued quote whose age fails the staleness
	// check during admission.

	proposedUSD, err := e.proposedSize(ctx, strat, sig)
	if err != nil {
		return err
	}
	if proposedUSD <= 0 {
		log.Warn("no capital available, skipping signal")
		return nil
	}

	limitPrice := limitPrice(sig.Side, quote, strat.SlippageTolerance)

	conds := risk.MarketConditions{
		Quote:         quote,
		Side:          sig.Side,
		SignalPrice:   sig.Price,
		SignalLatency: e.now().Sub(sig.OccurredAt),
	}
	decision, err := e.risk.Admit(ctx, strat.ID, proposedUSD, conds)
	if err != nil {
		return fmt.Errorf("executor: admit: %w", err)
	}
	if !decision.Allowed {
		log.Info("signal rejected by risk manager", slog.String("reason", string(decision.Reason)))
		return nil
	}

	if limitPrice <= 0 {
		// Reachable only if admission passed on a quote with an empty side.
		if serr := e.risk.Settle(ctx, domain.Order{StrategyID: strat.ID, ReservedUSD: decision.ReservedUSD}, risk.SettleRejected); serr != nil {
			return fmt.Errorf("executor: release reservation: %w", serr)
		}
		log.Warn("empty book side, reservation released")
		return nil
	}

	now := e.now().UTC()
	order := domain.Order{
		ID:            uuid.New().String(),
		StrategyID:    strat.ID,
		SignalID:      sig.ID,
		MarketID:      sig.MarketID,
		TokenID:       sig.TokenID,
		Side:          sig.Side,
		SignalPrice:   sig.Price,
		SignalSize:    sig.Size,
		LimitPrice:    limitPrice,
		RequestedSize: proposedUSD / limitPrice,
		ReservedUSD:   decision.ReservedUSD,
		Status:        domain.OrderStatusPending,
		Outcome:       domain.OutcomeOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.orders.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost a race against a duplicate delivery; give the capital back.
			if serr := e.risk.Settle(ctx, order, risk.SettleRejected); serr != nil {
				return fmt.Errorf("executor: release reservation: %w", serr)
			}
			log.Debug("concurrent duplicate signal, reservation released")
			return nil
		}
		return fmt.Errorf("executor: create order: %w", err)
	}

	return e.submit(ctx, order, log)
}

// proposedSize returns the USD notional to commit: a fraction of available
// capital scaled by signal conviction, never exceeding the signal's own
// notional.
func (e *Executor) proposedSize(ctx context.Context, strat domain.Strategy, sig domain.CandidateSignal) (float64, error) {
	st, err := e.risk.State(ctx, strat.ID)
	if err != nil {
		return 0, fmt.Errorf("executor: risk state: %w", err)
	}

	conviction := sig.Conviction
	if conviction <= 0 {
		conviction = 1
	}

	proposed := st.AvailableCapital() * strat.SizingFraction * conviction
	if notional := sig.NotionalUSD(); notional > 0 && proposed > notional {
		proposed = notional
	}
	return proposed, nil
}

// limitPrice returns the marketable limit price: the touch on the crossed
// side widened by the strategy's slippage tolerance.
func limitPrice(side domain.OrderSide, q domain.Quote, tolerance float64) float64 {
	if side == domain.OrderSideBuy {
		return q.BestAsk * (1 + tolerance)
	}
	return q.BestBid * (1 - tolerance)
}

// submit runs the bounded retry loop. Each attempt is bounded by the submit
// timeout; a timed-out attempt is reconciled against the venue by client
// order id before any resubmission, so an order that actually landed is never
// duplicated.
func (e *Executor) submit(ctx context.Context, o domain.Order, log *slog.Logger) error {
	backoff := e.cfg.BackoffBase
	lastAmbiguous := false

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if halted, reason := e.halted(ctx, o.StrategyID); halted {
				if lastAmbiguous {
					return e.park(ctx, o, attempt-1, log)
				}
				return e.fail(ctx, o, attempt-1, reason, log)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, e.cfg.BackoffMax)
		}

		lastAmbiguous = false
		e.appendEvent(ctx, o, domain.EventSubmitAttempt, attempt, nil)

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		res, err := e.venue.SubmitOrder(attemptCtx, o)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				landed, known, rerr := e.reconcile(ctx, &o, attempt, log)
				if rerr != nil {
					return rerr
				}
				if landed {
					return nil
				}
				// known means the venue confirmed the order absent and a
				// resubmission is safe; otherwise its state is ambiguous.
				lastAmbiguous = !known
			}
			log.Warn("submission failed, will retry",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			e.appendEvent(ctx, o, domain.EventSubmitTransient, attempt, map[string]any{"error": err.Error()})
			continue
		}

		if res.Accepted {
			now := e.now().UTC()
			o.ExternalID = &res.ExternalID
			o.Status = res.Status
			o.SubmittedAt = &now
			o.UpdatedAt = now
			if err := e.orders.Update(ctx, o); err != nil {
				return fmt.Errorf("executor: record submission: %w", err)
			}
			e.appendEvent(ctx, o, domain.EventSubmitted, attempt, map[string]any{
				"external_id": res.ExternalID,
				"status":      string(res.Status),
			})
			log.Info("order submitted",
				slog.String("order_id", o.ID),
				slog.String("external_id", res.ExternalID),
			)
			return nil
		}

		if res.Definitive {
			now := e.now().UTC()
			o.Status = domain.OrderStatusRejected
			o.RejectReason = res.Message
			o.UpdatedAt = now
			if err := e.orders.Update(ctx, o); err != nil {
				return fmt.Errorf("executor: record rejection: %w", err)
			}
			e.appendEvent(ctx, o, domain.EventSubmitRejected, attempt, map[string]any{"message": res.Message})
			log.Warn("order rejected by venue", slog.String("message", res.Message))
			return e.risk.Settle(ctx, o, risk.SettleRejected)
		}

		e.appendEvent(ctx, o, domain.EventSubmitTransient, attempt, map[string]any{"message": res.Message})
	}

	if lastAmbiguous {
		return e.park(ctx, o, e.cfg.MaxAttempts, log)
	}
	return e.fail(ctx, o, e.cfg.MaxAttempts, "retries exhausted", log)
}

// park leaves an order whose submission outcome is unknown in its pending
// state. The venue may hold a live order, so releasing the reservation here
// could leave an unfunded position; the fill tracker resolves it by client
// order id once the grace period passes.
func (e *Executor) park(ctx context.Context, o domain.Order, attempts int, log *slog.Logger) error {
	e.appendEvent(ctx, o, domain.EventSubmitUnknown, attempts, nil)
	log.Warn("submission outcome unknown, left for reconciliation",
		slog.String("order_id", o.ID),
		slog.Int("attempts", attempts),
	)
	return nil
}

// halted reports whether the strategy was paused or tripped while retries
// were in flight.
func (e *Executor) halted(ctx context.Context, strategyID string) (bool, string) {
	st, err := e.risk.State(ctx, strategyID)
	if err != nil {
		return false, ""
	}
	if st.Paused {
		return true, "strategy paused during retries"
	}
	if st.Breaker == domain.BreakerTripped {
		return true, "circuit breaker tripped during retries"
	}
	return false, ""
}

// reconcile resolves an ambiguous timed-out submission. landed reports that
// the order is on the venue and the record has been updated (the fill
// tracker takes it from there); known reports whether the venue's answer was
// learned at all.
func (e *Executor) reconcile(ctx context.Context, o *domain.Order, attempt int, log *slog.Logger) (landed, known bool, err error) {
	fs, err := e.venue.ReconcileByClientID(ctx, o.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, true, nil
	}
	if err != nil {
		// Reconciliation itself failed; the submission outcome stays unknown.
		e.appendEvent(ctx, *o, domain.EventSubmitTransient, attempt, map[string]any{"error": err.Error()})
		return false, false, nil
	}

	now := e.now().UTC()
	o.ExternalID = &fs.ExternalID
	o.SubmittedAt = &now
	o.UpdatedAt = now
	if err := e.orders.Update(ctx, *o); err != nil {
		return false, false, fmt.Errorf("executor: record reconciled submission: %w", err)
	}
	e.appendEvent(ctx, *o, domain.EventSubmitReconciled, attempt, map[string]any{
		"external_id": fs.ExternalID,
		"status":      string(fs.Status),
	})
	log.Info("timed-out submission reconciled as landed",
		slog.String("order_id", o.ID),
		slog.String("external_id", fs.ExternalID),
	)
	return true, true, nil
}

// fail marks the order failed, records the terminal event, and releases the
// reservation.
func (e *Executor) fail(ctx context.Context, o domain.Order, attempts int, reason string, log *slog.Logger) error {
	now := e.now().UTC()
	o.Status = domain.OrderStatusFailed
	o.RejectReason = reason
	o.UpdatedAt = now
	if err := e.orders.Update(ctx, o); err != nil {
		return fmt.Errorf("executor: record failure: %w", err)
	}
	e.appendEvent(ctx, o, domain.EventRetriesExhausted, attempts, map[string]any{"reason": reason})
	log.Warn("order failed", slog.String("order_id", o.ID), slog.String("reason", reason))
	return e.risk.Settle(ctx, o, risk.SettleRejected)
}

func (e *Executor) appendEvent(ctx context.Context, o domain.Order, kind domain.EventKind, attempt int, detail map[string]any) {
	err := e.events.Append(ctx, domain.ExecutionEvent{
		StrategyID: o.StrategyID,
		OrderID:    o.ID,
		Kind:       kind,
		Attempt:    attempt,
		Detail:     detail,
		CreatedAt:  e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("event append failed",
			slog.String("kind", string(kind)),
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}
