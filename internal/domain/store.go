package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyStore persists strategies and their risk rules.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	Update(ctx context.Context, s Strategy) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	// GetBySourceAccount enforces the one-strategy-per-(source,account) rule.
	GetBySourceAccount(ctx context.Context, source, account string) (Strategy, error)
	ListBySource(ctx context.Context, source string) ([]Strategy, error)
	ListActive(ctx context.Context) ([]Strategy, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	AdvanceWatermark(ctx context.Context, id string, wm SignalWatermark) error
}

// RiskRulesStore persists per-strategy risk rule templates.
type RiskRulesStore interface {
	Upsert(ctx context.Context, r RiskRules) error
	Get(ctx context.Context, strategyID string) (RiskRules, error)
}

// RiskStateStore persists risk ledgers with optimistic concurrency. Writers
// load a state, mutate it, bump Version by one, and call CompareAndUpdate;
// a concurrent writer surfaces as ErrVersionConflict and the caller retries
// from a fresh read.
type RiskStateStore interface {
	Create(ctx context.Context, s RiskState) error
	Get(ctx context.Context, strategyID string) (RiskState, error)
	CompareAndUpdate(ctx context.Context, next RiskState) error
}

// OrderStore persists live orders. Create returns ErrAlreadyExists when an
// order for the same (strategy, signal) pair exists — the idempotency
// backstop against duplicate signal delivery.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	Update(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetBySignal(ctx context.Context, strategyID, signalID string) (Order, error)
	// ListNonTerminal returns orders still being tracked for fills.
	ListNonTerminal(ctx context.Context) ([]Order, error)
	// ListUnresolved returns filled orders awaiting market resolution.
	ListUnresolved(ctx context.Context) ([]Order, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]Order, error)
	// ListResolvedBefore feeds the archiver.
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

// ExecutionLogStore is the append-only execution-event log. Entries are never
// updated or overwritten.
type ExecutionLogStore interface {
	Append(ctx context.Context, e ExecutionEvent) error
	ListByOrder(ctx context.Context, orderID string) ([]ExecutionEvent, error)
	ListByStrategy(ctx context.Context, strategyID string, opts ListOpts) ([]ExecutionEvent, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]ExecutionEvent, error)
	// DeleteBefore removes archived entries; only the archiver calls it after
	// a successful blob write.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RedemptionStore persists settlement claims for winning orders.
type RedemptionStore interface {
	Create(ctx context.Context, r Redemption) error
	Update(ctx context.Context, r Redemption) error
	GetByID(ctx context.Context, id string) (Redemption, error)
	GetByOrder(ctx context.Context, orderID string) (Redemption, error)
	ListUnconfirmed(ctx context.Context) ([]Redemption, error)
}
