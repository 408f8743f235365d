package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// Settler is the settlement-layer interface for claiming winning collateral.
// SubmitClaim is idempotent on the redemption id.
type Settler interface {
	SubmitClaim(ctx context.Context, r domain.Redemption) (string, error)
	ClaimConfirmed(ctx context.Context, txRef string) (bool, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RedeemerConfig holds the retry tuning for redemption claims.
type RedeemerConfig struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AlertAttempts is the attempt count at which a stuck claim pages the
	// operator. Retries continue regardless; unclaimed collateral is locked
	// capital.
	AlertAttempts int
}

// redeemerLockKey guards the redemption sweep so concurrent instances never
// double-submit a claim mid-step.
const redeemerLockKey = "redemption:sweep"

// Redeemer drives pending redemption claims to confirmation. Claims are
// retried indefinitely with capped exponential backoff; they are never
// abandoned.
type Redeemer struct {
	redemptions domain.RedemptionStore
	orders      domain.OrderStore
	events      domain.ExecutionLogStore
	settler     Settler
	notifier    Notifier
	locks       domain.LockManager
	cfg         RedeemerConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewRedeemer creates a Redeemer. notifier may be nil to disable alerts;
// locks may be nil for single-instance deployments.
func NewRedeemer(
	redemptions domain.RedemptionStore,
	orders domain.OrderStore,
	events domain.ExecutionLogStore,
	settler Settler,
	notifier Notifier,
	locks domain.LockManager,
	cfg RedeemerConfig,
	logger *slog.Logger,
) *Redeemer {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	if cfg.AlertAttempts <= 0 {
		cfg.AlertAttempts = 5
	}
	return &Redeemer{
		redemptions: redemptions,
		orders:      orders,
		events:      events,
		settler:     settler,
		notifier:    notifier,
		locks:       locks,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "redeemer")),
		now:         time.Now,
	}
}

// Run sweeps unconfirmed redemptions until ctx is cancelled.
func (rd *Redeemer) Run(ctx context.Context) error {
	rd.logger.Info("redeemer started", slog.Duration("backoff_base", rd.cfg.BackoffBase))
	defer rd.logger.Info("redeemer stopped")

	ticker := time.NewTicker(rd.cfg.BackoffBase)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := rd.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				rd.logger.Error("redemption sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep advances every unconfirmed redemption that is due for another step.
// When a lock manager is configured only one instance sweeps at a time.
func (rd *Redeemer) Sweep(ctx context.Context) error {
	if rd.locks != nil {
		unlock, err := rd.locks.Acquire(ctx, redeemerLockKey, sweepLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			rd.logger.Debug("redemption sweep running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolution: acquire sweep lock: %w", err)
		}
		defer unlock()
	}

	open, err := rd.redemptions.ListUnconfirmed(ctx)
	if err != nil {
		return fmt.Errorf("resolution: list unconfirmed redemptions: %w", err)
	}

	now := rd.now().UTC()
	for _, r := range open {
		if r.Status == domain.RedemptionFailed && now.Before(r.UpdatedAt.Add(rd.backoff(r.Attempts))) {
			continue
		}
		if err := rd.step(ctx, r); err != nil {
			rd.logger.Error("redemption step failed",
				slog.String("redemption_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// step performs one state advance: submit the claim, or check a submitted
// claim's confirmation.
func (rd *Redeemer) step(ctx context.Context, r domain.Redemption) error {
	switch r.Status {
	case domain.RedemptionPending, domain.RedemptionFailed:
		return rd.submit(ctx, r)
	case domain.RedemptionSubmitted:
		return rd.checkConfirmation(ctx, r)
	}
	return nil
}

func (rd *Redeemer) submit(ctx context.Context, r domain.Redemption) error {
	now := rd.now().UTC()
	r.Attempts++
	rd.appendEvent(ctx, r, domain.EventRedemptionAttempt, r.Attempts, nil)

	txRef, err := rd.settler.SubmitClaim(ctx, r)
	if err != nil {
		r.Status = domain.RedemptionFailed
		r.LastError = err.Error()
		r.UpdatedAt = now
		if uerr := rd.redemptions.Update(ctx, r); uerr != nil {
			return fmt.Errorf("resolution: record claim failure: %w", uerr)
		}
		rd.appendEvent(ctx, r, domain.EventRedemptionFailed, r.Attempts, map[string]any{"error": err.Error()})
		rd.maybeAlert(ctx, r)
		return nil
	}

	r.Status = domain.RedemptionSubmitted
	r.TxRef = txRef
	r.LastError = ""
	r.UpdatedAt = now
	if err := rd.redemptions.Update(ctx, r); err != nil {
		return fmt.Errorf("resolution: record claim submission: %w", err)
	}
	rd.logger.Info("redemption claim submitted",
		slog.String("redemption_id", r.ID),
		slog.String("tx_ref", txRef),
	)
	return nil
}

func (rd *Redeemer) checkConfirmation(ctx context.Context, r domain.Redemption) error {
	confirmed, err := rd.settler.ClaimConfirmed(ctx, r.TxRef)
	if err != nil {
		// A failed settlement transaction goes back through submission; the
		// claim id keeps the resubmission idempotent.
		now := rd.now().UTC()
		r.Status = domain.RedemptionFailed
		r.LastError = err.Error()
		r.UpdatedAt = now
		if uerr := rd.redemptions.Update(ctx, r); uerr != nil {
			return fmt.Errorf("resolution: record confirmation failure: %w", uerr)
		}
		rd.appendEvent(ctx, r, domain.EventRedemptionFailed, r.Attempts, map[string]any{"error": err.Error()})
		rd.maybeAlert(ctx, r)
		return nil
	}
	if !confirmed {
		return nil
	}

	now := rd.now().UTC()
	r.Status = domain.RedemptionConfirmed
	r.ConfirmedAt = &now
	r.UpdatedAt = now
	if err := rd.redemptions.Update(ctx, r); err != nil {
		return fmt.Errorf("resolution: record confirmation: %w", err)
	}
	rd.appendEvent(ctx, r, domain.EventRedemptionOK, r.Attempts, map[string]any{"tx_ref": r.TxRef})
	rd.logger.Info("redemption confirmed",
		slog.String("redemption_id", r.ID),
		slog.Float64("claim_usd", r.ClaimUSD),
	)
	return nil
}

func (rd *Redeemer) backoff(attempts int) time.Duration {
	d := rd.cfg.BackoffBase
	for i := 1; i < attempts && d < rd.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, rd.cfg.BackoffMax)
}

func (rd *Redeemer) maybeAlert(ctx context.Context, r domain.Redemption) {
	if rd.notifier == nil || r.Attempts != rd.cfg.AlertAttempts {
		return
	}
	msg := fmt.Sprintf("redemption %s for order %s has failed %d times: %s",
		r.ID, r.OrderID, r.Attempts, r.LastError)
	if err := rd.notifier.Notify(ctx, "redemption_stuck", "Redemption stuck", msg); err != nil {
		rd.logger.Warn("stuck-redemption alert failed", slog.String("error", err.Error()))
	}
}

func (rd *Redeemer) appendEvent(ctx context.Context, r domain.Redemption, kind domain.EventKind, attempt int, detail map[string]any) {
	strategyID := ""
	if o, err := rd.orders.GetByID(ctx, r.OrderID); err == nil {
		strategyID = o.StrategyID
	}
	err := rd.events.Append(ctx, domain.ExecutionEvent{
		StrategyID: strategyID,
		OrderID:    r.OrderID,
		Kind:       kind,
		Attempt:    attempt,
		Detail:     detail,
		CreatedAt:  rd.now().UTC(),
	})
	if err != nil {
		rd.logger.Warn("event append failed",
			slog.String("kind", string(kind)),
			slog.String("redemption_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
