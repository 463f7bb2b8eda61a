package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chain identifies a configured EVM network ("bsc", "ethereum", ...).
type Chain string

// PriceSource tells where a TokenPrice came from.
type PriceSource string

const (
	PriceSourceContract PriceSource = "contract"
	PriceSourceOracle   PriceSource = "oracle"
	// PriceSourceFallback marks a configured static price used when the
	// oracle has no data for the native asset.
	PriceSourceFallback PriceSource = "fallback"
)

// Confidence grades how sure the extractor is about a contract price.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// QuoteUSD is the common quote currency prices are normalized to.
const QuoteUSD = "USD"

// QuoteNative marks a price denominated in the chain's native asset. It is
// never compared with a USD price directly.
const QuoteNative = "NATIVE"

// TokenPrice is a single observed price for a token. It is immutable once
// recorded; one run may hold several per token (one per source).
type TokenPrice struct {
	Token     string          `json:"token"`
	Quote     string          `json:"quote"`
	Price     decimal.Decimal `json:"price"`
	Source    PriceSource     `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	// PoolID is the pool/venue for oracle prices ("pancakeswap_v2:0xabc...").
	PoolID string `json:"pool_id,omitempty"`
	// Liquidity is the quote-side depth of the pool, in Quote units.
	Liquidity decimal.Decimal `json:"liquidity"`
	// Legs lists the pools the price was routed through, first hop first.
	Legs []PoolLeg `json:"legs,omitempty"`

	// Contract-source metadata.
	Confidence Confidence `json:"confidence,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Context    string     `json:"context,omitempty"`
	Line       int        `json:"line,omitempty"`
}

// IsZero reports whether the price is unset.
func (p TokenPrice) IsZero() bool {
	return p.Price.IsZero() && p.Source == ""
}

// Comparable reports whether two prices can be compared without further
// normalization.
func (p TokenPrice) Comparable(o TokenPrice) bool {
	return p.Quote != "" && p.Quote == o.Quote && p.Price.IsPositive() && o.Price.IsPositive()
}

// PoolLeg is one hop of a routed oracle price.
type PoolLeg struct {
	PoolID string          `json:"pool_id"`
	Price  decimal.Decimal `json:"price"`
	// Liquidity is the quote-side depth of this hop, in the final quote.
	Liquidity decimal.Decimal `json:"liquidity"`
}

// Disagreement is reported by the oracle when independent pools disagree
// beyond the configured tolerance. Prices are never averaged.
type Disagreement struct {
	MinPrice  decimal.Decimal `json:"min_price"`
	MaxPrice  decimal.Decimal `json:"max_price"`
	SpreadPct decimal.Decimal `json:"spread_pct"`
	Tolerance decimal.Decimal `json:"tolerance"`
	Pools     []string        `json:"pools"`
}

// OracleQuote is every usable market price for a token, most liquid first.
type OracleQuote struct {
	Token        string        `json:"token"`
	Chain        Chain         `json:"chain"`
	Quote        string        `json:"quote"`
	Prices       []TokenPrice  `json:"prices"`
	Disagreement *Disagreement `json:"disagreement,omitempty"`
}

// Best returns the most liquid price.
func (q OracleQuote) Best() (TokenPrice, bool) {
	if len(q.Prices) == 0 {
		return TokenPrice{}, false
	}
	return q.Prices[0], true
}
