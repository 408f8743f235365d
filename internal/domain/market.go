package domain

import "time"

// Quote is a best-bid/best-ask snapshot for one outcome token, carrying the
// timestamp the venue produced it so consumers can refuse stale data.
type Quote struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	BidSize   float64 // units available at the best bid
	AskSize   float64 // units available at the best ask
	UpdatedAt time.Time
}

// Spread returns the ask-bid spread in normalized price units.
func (q Quote) Spread() float64 {
	return q.BestAsk - q.BestBid
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.BestAsk + q.BestBid) / 2
}

// DepthUSD returns the USD notional resting at the top of the book on the
// side an aggressor of the given order side would hit.
func (q Quote) DepthUSD(side OrderSide) float64 {
	if side == OrderSideBuy {
		return q.BestAsk * q.AskSize
	}
	return q.BestBid * q.BidSize
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.UpdatedAt)
}

// MarketResolution is the resolution oracle's answer for one market.
type MarketResolution struct {
	MarketID       string
	Resolved       bool
	WinningTokenID string
	ResolvedAt     time.Time
}

// Won reports whether an order on the given token and side ended on the
// winning side of the resolution. Buying the winning token wins; selling the
// winning token loses, and vice versa for the losing token.
func (r MarketResolution) Won(tokenID string, side OrderSide) bool {
	holds := side == OrderSideBuy
	if r.WinningTokenID == tokenID {
		return holds
	}
	return !holds
}
