package domain

import (
	"context"
	"time"
)

// QuoteCache provides fast access to the latest best-bid/best-ask snapshots.
// Consumers must check Quote.Age against their staleness tolerance; the cache
// never serves an estimate.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, tokenID string) (Quote, error)
	GetQuotes(ctx context.Context, tokenIDs []string) (map[string]Quote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for ephemeral events and durable ordered streams
// for candidate signals. StreamRead's lastID gives "everything after this
// watermark" resumability.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
