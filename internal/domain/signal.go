package domain

import "time"

// CandidateSignal is a qualifying trade proposed by an external forward-testing
// engine for possible live execution. The ID is the source's stable trade
// identifier; together with a strategy it keys order idempotency.
type CandidateSignal struct {
	ID         string // source trade identifier, unique and stable
	Source     string // signal-source identifier (one paper engine/account)
	MarketID   string
	TokenID    string
	Side       OrderSide
	Price      float64 // price the paper engine traded at
	Size       float64 // size the paper engine traded, in outcome units
	Conviction float64 // optional signal strength in (0, 1]; 0 means unset
	OccurredAt time.Time
}

// NotionalUSD returns the USD notional of the signal at its own price.
func (s CandidateSignal) NotionalUSD() float64 {
	return s.Price * s.Size
}

// SignalWatermark records the last signal a strategy fully processed. Signals
// at or before the watermark are never re-executed; the stream ID resumes
// reads from the durable signal stream.
type SignalWatermark struct {
	SignalID   string
	OccurredAt time.Time
	StreamID   string // redis stream entry ID, "" before first read
}
