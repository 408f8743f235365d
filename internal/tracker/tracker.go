package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/feed"
	"github.com/mirrorlabs/mirrorbot/internal/risk"
)

// FillQuerier fetches the venue's view of an order by its venue order id.
type FillQuerier interface {
	QueryFill(ctx context.Context, externalID string) (domain.FillStatus, error)
}

// Reconciler looks an order up by its client order id. The tracker uses it
// for orders whose submission outcome was never learned; ErrNotFound means
// the submission never reached the venue.
type Reconciler interface {
	ReconcileByClientID(ctx context.Context, clientOrderID string) (domain.FillStatus, error)
}

// reconcileAfter is how long an order may sit without a venue id before the
// sweep treats its submission as abandoned. It must comfortably exceed the
// executor's worst-case retry loop so the two never race.
const reconcileAfter = 5 * time.Minute

// Notifier delivers operator alerts for events that need a human.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Tracker consumes pushed order updates from the user feed and periodically
// sweeps all non-terminal orders against the venue, so a missed push never
// strands an order. When an order reaches a complete fill it settles the
// reservation into the risk ledger exactly once, on the status transition.
type Tracker struct {
	orders     domain.OrderStore
	events     domain.ExecutionLogStore
	risk       *risk.Manager
	venue      FillQuerier
	reconciler Reconciler
	updates    <-chan feed.FillUpdate
	notifier   Notifier
	interval   time.Duration
	grace      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker creates a Tracker. updates may be nil to run on polling alone;
// notifier may be nil to disable alerts; reconciler may be nil to leave
// abandoned submissions to manual review.
func NewTracker(
	orders domain.OrderStore,
	events domain.ExecutionLogStore,
	riskMgr *risk.Manager,
	venue FillQuerier,
	reconciler Reconciler,
	updates <-chan feed.FillUpdate,
	notifier Notifier,
	interval time.Duration,
	logger *slog.Logger,
) *Tracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Tracker{
		orders:     orders,
		events:     events,
		risk:       riskMgr,
		venue:      venue,
		reconciler: reconciler,
		updates:    updates,
		notifier:   notifier,
		interval:   interval,
		grace:      reconcileAfter,
		logger:     logger.With(slog.String("component", "tracker")),
		now:        time.Now,
	}
}

// Run processes updates until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("tracker started", slog.Duration("poll_interval", t.interval))
	defer t.logger.Info("tracker stopped")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-t.updates:
			if !ok {
				t.updates = nil
				continue
			}
			t.handlePush(ctx, u)
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// handlePush applies one pushed update, keyed by client order id.
func (t *Tracker) handlePush(ctx context.Context, u feed.FillUpdate) {
	o, err := t.orders.GetByID(ctx, u.OrderID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			t.logger.Warn("pushed update lookup failed",
				slog.String("order_id", u.OrderID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := t.Apply(ctx, o, u.Status); err != nil {
		t.logger.Error("pushed update apply failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// sweep polls the venue for every order still awaiting a terminal fill.
// Orders without a venue id are submissions still in flight, unless they
// have sat long enough to be reconciled by client order id.
func (t *Tracker) sweep(ctx context.Context) {
	open, err := t.orders.ListNonTerminal(ctx)
	if err != nil {
		t.logger.Error("open order listing failed", slog.String("error", err.Error()))
		return
	}

	for _, o := range open {
		if o.ExternalID == nil {
			t.reconcileAbandoned(ctx, o)
			continue
		}
		fs, err := t.venue.QueryFill(ctx, *o.ExternalID)
		if err != nil {
			t.logger.Warn("fill query failed",
				slog.String("order_id", o.ID),
				slog.String("external_id", *o.ExternalID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := t.Apply(ctx, o, fs); err != nil {
			t.logger.Error("fill apply failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Apply merges one fill report into the order record. A violating update
// freezes the order for manual review; a transition to filled settles the
// reservation against the actual cost.
func (t *Tracker) Apply(ctx context.Context, o domain.Order, fs domain.FillStatus) error {
	prevRequested := o.RequestedSize

	next, changed, err := ApplyFill(o, fs, t.now())
	if errors.Is(err, domain.ErrInvariantViolation) {
		return t.freeze(ctx, o, fs)
	}
	if err != nil {
		return fmt.Errorf("tracker: apply fill for %s: %w", o.ID, err)
	}
	if !changed {
		return nil
	}

	// The ledger moves before the terminal status is persisted: while the
	// stored order still lists as open, a failed settlement is retried by
	// the next sweep instead of stranding the reservation.
	switch next.Status {
	case domain.OrderStatusFilled:
		if err := t.risk.Settle(ctx, next, risk.SettleFilled); err != nil {
			return fmt.Errorf("tracker: settle %s: %w", next.ID, err)
		}
	case domain.OrderStatusRejected:
		// Cancelled on the venue without a fill; give the capital back.
		if err := t.risk.Settle(ctx, next, risk.SettleRejected); err != nil {
			return fmt.Errorf("tracker: settle %s: %w", next.ID, err)
		}
	}

	if err := t.orders.Update(ctx, next); err != nil {
		return fmt.Errorf("tracker: persist fill for %s: %w", o.ID, err)
	}

	detail := map[string]any{
		"status":         string(next.Status),
		"filled_size":    next.FilledSize,
		"avg_fill_price": next.AvgFillPrice,
	}
	if next.RequestedSize != prevRequested {
		detail["truncated_from"] = prevRequested
	}
	t.appendEvent(ctx, next, domain.EventFillUpdate, detail)

	if next.Status == domain.OrderStatusFilled {
		t.logger.Info("order filled",
			slog.String("order_id", next.ID),
			slog.Float64("filled_size", next.FilledSize),
			slog.Float64("avg_fill_price", next.AvgFillPrice),
		)
	}
	return nil
}

// reconcileAbandoned resolves an order that never learned its submission
// outcome. The grace period keeps the sweep from racing an executor retry
// loop that is still in flight.
func (t *Tracker) reconcileAbandoned(ctx context.Context, o domain.Order) {
	if t.reconciler == nil || t.now().Sub(o.UpdatedAt) < t.grace {
		return
	}

	fs, err := t.reconciler.ReconcileByClientID(ctx, o.ID)
	if errors.Is(err, domain.ErrNotFound) {
		// The venue confirms the submission never landed.
		if serr := t.risk.Settle(ctx, o, risk.SettleRejected); serr != nil {
			t.logger.Error("abandoned order settlement failed",
				slog.String("order_id", o.ID),
				slog.String("error", serr.Error()),
			)
			return
		}
		o.Status = domain.OrderStatusFailed
		o.RejectReason = "submission never reached the venue"
		o.UpdatedAt = t.now().UTC()
		if uerr := t.orders.Update(ctx, o); uerr != nil {
			t.logger.Error("abandoned order update failed",
				slog.String("order_id", o.ID),
				slog.String("error", uerr.Error()),
			)
			return
		}
		t.appendEvent(ctx, o, domain.EventSubmitAbsent, nil)
		t.logger.Warn("abandoned submission confirmed absent, reservation released",
			slog.String("order_id", o.ID),
		)
		return
	}
	if err != nil {
		t.logger.Warn("abandoned order reconcile failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	// The order is live on the venue after all; adopt it and apply the fill.
	now := t.now().UTC()
	o.ExternalID = &fs.ExternalID
	o.SubmittedAt = &now
	o.UpdatedAt = now
	if err := t.orders.Update(ctx, o); err != nil {
		t.logger.Error("reconciled order update failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	t.appendEvent(ctx, o, domain.EventSubmitReconciled, map[string]any{
		"external_id": fs.ExternalID,
	})
	t.logger.Info("abandoned submission reconciled as live",
		slog.String("order_id", o.ID),
		slog.String("external_id", fs.ExternalID),
	)
	if err := t.Apply(ctx, o, fs); err != nil {
		t.logger.Error("reconciled fill apply failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// freeze parks the order for manual review instead of applying a violating
// update. The reservation stays held until an operator resolves it.
func (t *Tracker) freeze(ctx context.Context, o domain.Order, fs domain.FillStatus) error {
	t.logger.Error("fill update violates order invariants, freezing",
		slog.String("order_id", o.ID),
		slog.String("order_status", string(o.Status)),
		slog.Float64("order_filled", o.FilledSize),
		slog.Float64("reported_filled", fs.FilledSize),
	)

	o.Status = domain.OrderStatusFrozen
	o.UpdatedAt = t.now().UTC()
	if err := t.orders.Update(ctx, o); err != nil {
		return fmt.Errorf("tracker: freeze order %s: %w", o.ID, err)
	}

	t.appendEvent(ctx, o, domain.EventInvariantViolation, map[string]any{
		"reported_status": string(fs.Status),
		"reported_filled": fs.FilledSize,
	})

	if t.notifier != nil {
		msg := fmt.Sprintf("order %s frozen: reported fill %.4f conflicts with recorded fill %.4f (%s)",
			o.ID, fs.FilledSize, o.FilledSize, o.Status)
		if err := t.notifier.Notify(ctx, "order_frozen", "Order frozen", msg); err != nil {
			t.logger.Warn("freeze alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (t *Tracker) appendEvent(ctx context.Context, o domain.Order, kind domain.EventKind, detail map[string]any) {
	err := t.events.Append(ctx, domain.ExecutionEvent{
		StrategyID: o.StrategyID,
		OrderID:    o.ID,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  t.now().UTC(),
	})
	if err != nil {
		t.logger.Warn("event append failed",
			slog.String("kind", string(kind)),
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}
