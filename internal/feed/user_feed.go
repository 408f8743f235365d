package feed

import (
	"context"
	"log/slog"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/platform/polymarket"
)

// FillUpdate pairs a venue order update with the client order id it belongs
// to, so the tracker can look up the engine order without a venue round trip.
type FillUpdate struct {
	OrderID string
	Status  domain.FillStatus
}

// UserFeed subscribes to the authenticated user channel and forwards order
// lifecycle updates to a channel consumed by the lifecycle tracker. Updates
// are dropped if the consumer falls behind; the tracker's poll sweep picks
// up anything missed.
type UserFeed struct {
	wsURL   string
	auth    *polymarket.WSAuth
	markets []string
	out     chan<- FillUpdate
	logger  *slog.Logger
}

// NewUserFeed creates a user feed that delivers updates on out.
func NewUserFeed(wsURL string, auth *polymarket.WSAuth, markets []string, out chan<- FillUpdate, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		wsURL:   wsURL,
		auth:    auth,
		markets: markets,
		out:     out,
		logger:  logger.With(slog.String("component", "user_feed")),
	}
}

// Run connects, subscribes, and blocks until ctx is cancelled.
func (f *UserFeed) Run(ctx context.Context) error {
	client := polymarket.NewWSClient(f.wsURL, f.auth)
	client.OnOrderUpdate(func(clientOrderID string, fs domain.FillStatus) {
		if clientOrderID == "" {
			return
		}
		select {
		case f.out <- FillUpdate{OrderID: clientOrderID, Status: fs}:
		default:
			f.logger.Warn("fill update dropped, consumer behind",
				slog.String("order_id", clientOrderID),
			)
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.SubscribeUser(ctx, f.markets); err != nil {
		return err
	}
	f.logger.Info("user feed connected", slog.Int("markets", len(f.markets)))

	<-ctx.Done()
	return ctx.Err()
}
