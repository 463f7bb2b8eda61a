package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache. Each quote is stored as JSON at
// "quote:{chain}:{token}:{quote}" with the snapshot TTL, so audits inside
// the window share one pricing view.
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache on c.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) quoteKey(chain domain.Chain, token, quote string) string {
	return pc.c.key("quote", string(chain), strings.ToLower(token), strings.ToUpper(quote))
}

// SetQuote stores q for ttl. Empty quotes are not cached.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.OracleQuote, ttl time.Duration) error {
	if len(q.Prices) == 0 {
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.Token, err)
	}
	if err := pc.c.rdb.Set(ctx, pc.quoteKey(q.Chain, q.Token, q.Quote), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Token, err)
	}
	return nil
}

// GetQuote returns the cached quote or domain.ErrNotFound.
func (pc *PriceCache) GetQuote(ctx context.Context, chain domain.Chain, token, quote string) (domain.OracleQuote, error) {
	data, err := pc.c.rdb.Get(ctx, pc.quoteKey(chain, token, quote)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OracleQuote{}, domain.ErrNotFound
		}
		return domain.OracleQuote{}, fmt.Errorf("redis: get quote %s: %w", token, err)
	}
	var q domain.OracleQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.OracleQuote{}, fmt.Errorf("redis: unmarshal quote %s: %w", token, err)
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
