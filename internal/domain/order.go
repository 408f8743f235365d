package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the fill lifecycle of a live order.
//
// Legal transitions: pending -> {partial, filled, rejected, failed},
// partial -> {partial, filled}. Fill size never decreases. Anything else is
// an invariant violation: the order is frozen for manual review instead of
// applying the update.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected" // definitive venue rejection
	OrderStatusFailed   OrderStatus = "failed"   // retries exhausted
	OrderStatusFrozen   OrderStatus = "frozen"   // invariant violation, manual review
)

// Terminal reports whether the status ends fill tracking. Filled orders are
// terminal for the tracker but stay open for resolution until an outcome is
// known.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusFailed, OrderStatusFrozen:
		return true
	}
	return false
}

// OrderOutcome is the realized result of a filled order once its market
// resolves.
type OrderOutcome string

const (
	OutcomeOpen OrderOutcome = "open"
	OutcomeWon  OrderOutcome = "won"
	OutcomeLost OrderOutcome = "lost"
)

// Order is one live order mirrored from a candidate signal. At most one Order
// exists per (strategy, signal); the ID doubles as the client-order-id
// idempotency key on the venue. Orders are never deleted.
type Order struct {
	ID            string // uuid, also the venue client order id
	StrategyID    string
	SignalID      string // originating source trade identifier
	MarketID      string
	TokenID       string
	Side          OrderSide
	SignalPrice   float64
	SignalSize    float64
	LimitPrice    float64
	RequestedSize float64 // units
	ReservedUSD   float64 // admission reservation, released at settlement
	ExternalID    *string // venue order id, nil until submission succeeds
	Status        OrderStatus
	FilledSize    float64
	AvgFillPrice  float64
	Outcome       OrderOutcome
	RejectReason  string
	CreatedAt     time.Time
	SubmittedAt   *time.Time
	FilledAt      *time.Time
	ResolvedAt    *time.Time
	RedemptionID  *string
	UpdatedAt     time.Time
}

// CostUSD is the capital actually committed: filled size at average price.
func (o Order) CostUSD() float64 {
	return o.FilledSize * o.AvgFillPrice
}

// Resolved reports whether the order has reached a realized outcome.
func (o Order) Resolved() bool {
	return o.Outcome == OutcomeWon || o.Outcome == OutcomeLost
}

// ConsistencyErr returns ErrInvariantViolation when status and fill size
// disagree: filled requires a complete fill, partial requires a strictly
// incomplete non-zero fill, and fills never exceed the request.
func (o Order) ConsistencyErr() error {
	if o.FilledSize < 0 || o.FilledSize > o.RequestedSize {
		return ErrInvariantViolation
	}
	switch o.Status {
	case OrderStatusFilled:
		if o.FilledSize != o.RequestedSize {
			return ErrInvariantViolation
		}
	case OrderStatusPartial:
		if o.FilledSize <= 0 || o.FilledSize >= o.RequestedSize {
			return ErrInvariantViolation
		}
	}
	return nil
}

// SubmitResult is the venue's answer to an order submission.
type SubmitResult struct {
	Accepted   bool
	ExternalID string
	Status     OrderStatus
	Message    string
	// Definitive marks rejections that must not be retried (bad market,
	// insufficient liquidity) as opposed to transient transport failures.
	Definitive bool
}

// FillStatus is a point-in-time fill report from the venue status query.
type FillStatus struct {
	ExternalID   string
	FilledSize   float64
	AvgFillPrice float64
	Status       OrderStatus
	Terminal     bool
}
