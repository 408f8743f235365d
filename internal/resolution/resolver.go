// Package resolution watches resolved markets, realizes outcomes into the
// risk ledger, and claims winning collateral from the settlement layer.
package resolution

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

// Oracle answers whether a market has resolved and which token won.
type Oracle interface {
	Resolution(ctx context.Context, marketID string) (domain.MarketResolution, error)
}

// resolverLockKey guards the resolution sweep across instances: two sweeps
// settling the same order concurrently would each move the ledger.
const resolverLockKey = "resolution:sweep"

// sweepLockTTL bounds how long a crashed sweep holder can block its peers.
const sweepLockTTL = 2 * time.Minute

// Resolver sweeps filled-but-unresolved orders against the resolution
// oracle. Orders on a resolved market are settled as won or lost exactly
// once; wins additionally enqueue a redemption claim.
type Resolver struct {
	orders      domain.OrderStore
	redemptions domain.RedemptionStore
	events      domain.ExecutionLogStore
	risk        *risk.Manager
	oracle      Oracle
	locks       domain.LockManager
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewResolver creates a Resolver. locks may be nil for single-instance
// deployments.
func NewResolver(
	orders domain.OrderStore,
	redemptions domain.RedemptionStore,
	events domain.ExecutionLogStore,
	riskMgr *risk.Manager,
	oracle Oracle,
	locks domain.LockManager,
	interval time.Duration,
	logger *slog.Logger,
) *Resolver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Resolver{
		orders:      orders,
		redemptions: redemptions,
		events:      events,
		risk:        riskMgr,
		oracle:      oracle,
		locks:       locks,
		interval:    interval,
		logger:      logger.With(slog.String("component", "resolver")),
		now:         time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	r.logger.Info("resolver started", slog.Duration("poll_interval", r.interval))
	defer r.logger.Info("resolver stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("resolution sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass: list unresolved filled orders, query the oracle once
// per distinct market, and settle every order whose market has resolved.
// When a lock manager is configured only one instance sweeps at a time.
func (r *Resolver) Sweep(ctx context.Context) error {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, resolverLockKey, sweepLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.Debug("resolution sweep running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolution: acquire sweep lock: %w", err)
		}
		defer unlock()
	}

	open, err := r.orders.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("resolution: list unresolved: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	byMarket := make(map[string][]domain.Order)
	for _, o := range open {
		byMarket[o.MarketID] = append(byMarket[o.MarketID], o)
	}

	for marketID, orders := range byMarket {
		res, err := r.oracle.Resolution(ctx, marketID)
		if err != nil {
			r.logger.Warn("oracle query failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !res.Resolved {
			continue
		}
		for _, o := range orders {
			if err := r.settle(ctx, o, res); err != nil {
				r.logger.Error("order settlement failed",
					slog.String("order_id", o.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// settle realizes one order's outcome. The ledger moves first: while the
// order still lists as unresolved, a failed settlement is simply retried on
// the next sweep. Only the final outcome write makes it unrepeatable, and the
// redemption enqueue before it is idempotent on the order id.
func (r *Resolver) settle(ctx context.Context, o domain.Order, res domain.MarketResolution) error {
	won := res.Won(o.TokenID, o.Side)
	now := r.now().UTC()

	var redemptionID *string
	if won {
		red := domain.Redemption{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			MarketID:  o.MarketID,
			ClaimUSD:  o.FilledSize, // winning tokens redeem at 1.0
			Status:    domain.RedemptionPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.redemptions.Create(ctx, red); err != nil {
			if !errors.Is(err, domain.ErrAlreadyExists) {
				return fmt.Errorf("resolution: enqueue redemption for %s: %w", o.ID, err)
			}
			// Left over from an interrupted earlier pass; reuse it.
			existing, gerr := r.redemptions.GetByOrder(ctx, o.ID)
			if gerr != nil {
				return fmt.Errorf("resolution: look up redemption for %s: %w", o.ID, gerr)
			}
			red = existing
		}
		redemptionID = &red.ID
	}

	kind := risk.SettleLost
	if won {
		kind = risk.SettleWon
	}
	if err := r.risk.Settle(ctx, o, kind); err != nil {
		return fmt.Errorf("resolution: settle %s: %w", o.ID, err)
	}

	if won {
		o.Outcome = domain.OutcomeWon
	} else {
		o.Outcome = domain.OutcomeLost
	}
	o.RedemptionID = redemptionID
	o.ResolvedAt = &now
	o.UpdatedAt = now
	if err := r.orders.Update(ctx, o); err != nil {
		return fmt.Errorf("resolution: record outcome for %s: %w", o.ID, err)
	}

	r.appendEvent(ctx, o, domain.EventResolution, map[string]any{
		"market_id":        o.MarketID,
		"winning_token_id": res.WinningTokenID,
		"outcome":          string(o.Outcome),
	})
	r.logger.Info("order resolved",
		slog.String("order_id", o.ID),
		slog.String("market_id", o.MarketID),
		slog.String("outcome", string(o.Outcome)),
	)
	return nil
}

func (r *Resolver) appendEvent(ctx context.Context, o domain.Order, kind domain.EventKind, detail map[string]any) {
	err := r.events.Append(ctx, domain.ExecutionEvent{
		StrategyID: o.StrategyID,
		OrderID:    o.ID,
		Kind:       kind,
		Detail:     detail,
		CreatedAt:  r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("event append failed",
			slog.String("kind", string(kind)),
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}
