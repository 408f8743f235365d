package app

import (
	"context"
	"log/slog"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/feed"
)

// watchingQuoteCache decorates a QuoteCache so every lookup also registers the
// token with the live quote feed. The first lookup for a token may still miss
// while the subscription spins up; the admission check rejects that signal for
// staleness and later signals find a streaming quote.
type watchingQuoteCache struct {
	domain.QuoteCache
	feed   *feed.QuoteFeed
	logger *slog.Logger
}

func newWatchingQuoteCache(cache domain.QuoteCache, f *feed.QuoteFeed, logger *slog.Logger) *watchingQuoteCache {
	return &watchingQuoteCache{
		QuoteCache: cache,
		feed:       f,
		logger:     logger.With(slog.String("component", "quote_cache")),
	}
}

func (w *watchingQuoteCache) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	if err := w.feed.Watch(ctx, tokenID); err != nil {
		w.logger.DebugContext(ctx, "quote watch failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
	return w.QuoteCache.GetQuote(ctx, tokenID)
}
