package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// eventChannel is the bus channel every execution event is published on.
// Per-strategy copies go to eventChannel + ":" + strategyID so WebSocket
// clients can subscribe to a single strategy's stream.
const eventChannel = "events"

// wireEvent is the JSON shape published on the bus for API consumers.
type wireEvent struct {
	StrategyID string         `json:"strategy_id"`
	OrderID    string         `json:"order_id,omitempty"`
	Kind       string         `json:"kind"`
	Attempt    int            `json:"attempt,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// publishingEventLog decorates an ExecutionLogStore so every appended event is
// also published on the signal bus. Persistence is the source of truth: a
// publish failure is logged and swallowed, an append failure is returned and
// nothing is published.
type publishingEventLog struct {
	domain.ExecutionLogStore
	bus    domain.SignalBus
	logger *slog.Logger
}

func newPublishingEventLog(store domain.ExecutionLogStore, bus domain.SignalBus, logger *slog.Logger) *publishingEventLog {
	return &publishingEventLog{
		ExecutionLogStore: store,
		bus:               bus,
		logger:            logger.With(slog.String("component", "event_log")),
	}
}

// Append persists the event and then broadcasts it on the shared and
// per-strategy channels.
func (p *publishingEventLog) Append(ctx context.Context, e domain.ExecutionEvent) error {
	if err := p.ExecutionLogStore.Append(ctx, e); err != nil {
		return err
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	payload, err := json.Marshal(wireEvent{
		StrategyID: e.StrategyID,
		OrderID:    e.OrderID,
		Kind:       string(e.Kind),
		Attempt:    e.Attempt,
		Detail:     e.Detail,
		CreatedAt:  created,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "event marshal failed",
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if err := p.bus.Publish(ctx, eventChannel, payload); err != nil {
		p.logger.WarnContext(ctx, "event publish failed",
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if e.StrategyID != "" {
		if err := p.bus.Publish(ctx, eventChannel+":"+e.StrategyID, payload); err != nil {
			p.logger.WarnContext(ctx, "strategy event publish failed",
				slog.String("strategy_id", e.StrategyID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
