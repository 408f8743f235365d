// Package feed routes real-time venue data into the engine: book snapshots
// into the quote cache and order updates into the lifecycle tracker.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/platform/polymarket"
)

// QuoteFeed subscribes to the public market channel for a set of token IDs
// and writes every top-of-book update into the quote cache. Token IDs can be
// added while the feed is running as new orders reference new markets.
type QuoteFeed struct {
	wsURL  string
	cache  domain.QuoteCache
	logger *slog.Logger

	mu     sync.Mutex
	client *polymarket.WSClient
	tokens map[string]struct{}
}

// NewQuoteFeed creates a quote feed backed by the given cache.
func NewQuoteFeed(wsURL string, cache domain.QuoteCache, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		wsURL:  wsURL,
		cache:  cache,
		logger: logger.With(slog.String("component", "quote_feed")),
		tokens: make(map[string]struct{}),
	}
}

// Run connects and blocks until ctx is cancelled. The underlying client
// reconnects on its own and restores subscriptions.
func (f *QuoteFeed) Run(ctx context.Context) error {
	client := polymarket.NewWSClient(f.wsURL, nil)
	client.OnQuote(func(q domain.Quote) {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.cache.SetQuote(cctx, q); err != nil {
			f.logger.Debug("quote cache write failed",
				slog.String("token_id", q.TokenID),
				slog.String("error", err.Error()),
			)
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	f.mu.Lock()
	f.client = client
	pending := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		pending = append(pending, t)
	}
	f.mu.Unlock()

	if len(pending) > 0 {
		if err := client.SubscribeMarket(ctx, pending); err != nil {
			return err
		}
	}
	f.logger.Info("quote feed connected", slog.Int("tokens", len(pending)))

	<-ctx.Done()
	return ctx.Err()
}

// Watch subscribes the feed to an additional token ID. Already-watched
// tokens are ignored. Safe to call before Run; the subscription is sent
// once connected.
func (f *QuoteFeed) Watch(ctx context.Context, tokenID string) error {
	f.mu.Lock()
	if _, ok := f.tokens[tokenID]; ok {
		f.mu.Unlock()
		return nil
	}
	f.tokens[tokenID] = struct{}{}
	client := f.client
	f.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.SubscribeMarket(ctx, []string{tokenID})
}
