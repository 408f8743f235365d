package intake

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// signalEnvelope is the JSON wire shape of a candidate signal on the stream.
type signalEnvelope struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	MarketID   string  `json:"market_id"`
	TokenID    string  `json:"token_id"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Conviction float64 `json:"conviction,omitempty"`
	OccurredAt string  `json:"occurred_at"`
}

// EncodeSignal serializes a candidate signal for the stream. Producers and
// tests share this with DecodeSignal so the wire shape has one definition.
func EncodeSignal(sig domain.CandidateSignal) ([]byte, error) {
	return json.Marshal(signalEnvelope{
		ID:         sig.ID,
		Source:     sig.Source,
		MarketID:   sig.MarketID,
		TokenID:    sig.TokenID,
		Side:       string(sig.Side),
		Price:      sig.Price,
		Size:       sig.Size,
		Conviction: sig.Conviction,
		OccurredAt: sig.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeSignal parses a stream payload into a candidate signal.
func DecodeSignal(payload []byte) (domain.CandidateSignal, error) {
	var env signalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.CandidateSignal{}, fmt.Errorf("intake: decode signal: %w", err)
	}
	if env.ID == "" || env.Source == "" {
		return domain.CandidateSignal{}, fmt.Errorf("intake: signal missing id or source")
	}

	side := domain.OrderSide(env.Side)
	switch side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return domain.CandidateSignal{}, fmt.Errorf("intake: invalid signal side %q", env.Side)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, env.OccurredAt)
	if err != nil {
		return domain.CandidateSignal{}, fmt.Errorf("intake: parse occurred_at: %w", err)
	}

	return domain.CandidateSignal{
		ID:         env.ID,
		Source:     env.Source,
		MarketID:   env.MarketID,
		TokenID:    env.TokenID,
		Side:       side,
		Price:      env.Price,
		Size:       env.Size,
		Conviction: env.Conviction,
		OccurredAt: occurredAt,
	}, nil
}
