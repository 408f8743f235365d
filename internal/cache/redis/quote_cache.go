package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes.
// Each token's top-of-book is stored at key "quote:{tokenID}" with fields
// "bid", "ask", "bid_size", "ask_size" and "ts" (Unix nanosecond timestamp).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(tokenID string) string {
	return "quote:" + tokenID
}

// SetQuote stores the latest top-of-book snapshot for a token.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.TokenID)
	fields := map[string]interface{}{
		"bid":      strconv.FormatFloat(q.BestBid, 'f', -1, 64),
		"ask":      strconv.FormatFloat(q.BestAsk, 'f', -1, 64),
		"bid_size": strconv.FormatFloat(q.BidSize, 'f', -1, 64),
		"ask_size": strconv.FormatFloat(q.AskSize, 'f', -1, 64),
		"ts":       strconv.FormatInt(q.UpdatedAt.UnixNano(), 10),
	}
	if err := qc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.TokenID, err)
	}
	return nil
}

// GetQuote retrieves the latest snapshot for a token. It returns
// domain.ErrNotFound when the key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(tokenID)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}

	q, err := parseQuote(tokenID, vals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: parse quote %s: %w", tokenID, err)
	}
	return q, nil
}

// GetQuotes retrieves snapshots for multiple tokens using a pipeline. Tokens
// whose keys do not exist are silently omitted from the result map.
func (qc *QuoteCache) GetQuotes(ctx context.Context, tokenIDs []string) (map[string]domain.Quote, error) {
	if len(tokenIDs) == 0 {
		return map[string]domain.Quote{}, nil
	}

	pipe := qc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokenIDs))
	for _, id := range tokenIDs {
		cmds[id] = pipe.HGetAll(ctx, quoteKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]domain.Quote, len(tokenIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuote(id, vals)
		if err != nil {
			continue
		}
		result[id] = q
	}

	return result, nil
}

func parseQuote(tokenID string, vals map[string]string) (domain.Quote, error) {
	q := domain.Quote{TokenID: tokenID}

	var err error
	if q.BestBid, err = strconv.ParseFloat(vals["bid"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("bad bid: %w", err)
	}
	if q.BestAsk, err = strconv.ParseFloat(vals["ask"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("bad ask: %w", err)
	}
	if q.BidSize, err = strconv.ParseFloat(vals["bid_size"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("bad bid_size: %w", err)
	}
	if q.AskSize, err = strconv.ParseFloat(vals["ask_size"], 64); err != nil {
		return domain.Quote{}, fmt.Errorf("bad ask_size: %w", err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("bad ts: %w", err)
	}
	q.UpdatedAt = time.Unix(0, tsNano)

	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
