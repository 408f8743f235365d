package domain

import "time"

// RedemptionStatus tracks a settlement-layer claim for winning collateral.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionSubmitted RedemptionStatus = "submitted"
	RedemptionConfirmed RedemptionStatus = "confirmed"
	RedemptionFailed    RedemptionStatus = "failed"
)

// Redemption is the claim for a resolved winning order's collateral, at most
// one per order. Failed claims are retried until confirmed; a winning
// position's capital is otherwise permanently stuck.
type Redemption struct {
	ID          string
	OrderID     string
	MarketID    string
	ClaimUSD    float64 // filled size at resolution value 1.0
	Attempts    int
	Status      RedemptionStatus
	LastError   string
	TxRef       string // settlement-layer transaction reference
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}
