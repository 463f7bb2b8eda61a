package domain

import (
	"context"
	"time"
)

// PriceCache keeps recently fetched oracle quotes so repeated audits within
// the TTL share one pricing view.
type PriceCache interface {
	SetQuote(ctx context.Context, q OracleQuote, ttl time.Duration) error
	GetQuote(ctx context.Context, chain Chain, token, quote string) (OracleQuote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// StreamMessage is one entry read back from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
