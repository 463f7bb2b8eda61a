// Package oracle prices tokens from on-chain constant-product pools. Every
// configured venue is queried independently; disagreement between venues is
// reported, never averaged away.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// PriceReader returns the spot price of base in quote on one factory.
type PriceReader interface {
	SpotPrice(ctx context.Context, factory, base, quote common.Address) (PoolPrice, error)
}

// Venue is one pool source, identified by its V2 factory.
type Venue struct {
	Name    string
	Factory common.Address
}

// ChainConfig lists the venues and reference tokens of a chain.
type ChainConfig struct {
	Venues        []Venue
	WrappedNative common.Address
	NativeSymbol  string
	// Stablecoins maps symbol to token address; all are treated as USD.
	Stablecoins map[string]common.Address
	// NativeFallbackUSD prices the native asset when no pool answers.
	NativeFallbackUSD decimal.Decimal
}

// Config configures the Oracle.
type Config struct {
	Chains                map[domain.Chain]ChainConfig
	DisagreementTolerance decimal.Decimal
	CacheTTL              time.Duration
}

// Oracle answers market-price queries across venues.
type Oracle struct {
	cfg     Config
	readers map[domain.Chain]PriceReader
	cache   domain.PriceCache
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Oracle. cache may be nil.
func New(cfg Config, readers map[domain.Chain]PriceReader, cache domain.PriceCache, logger *slog.Logger) *Oracle {
	if cfg.DisagreementTolerance.IsZero() {
		cfg.DisagreementTolerance = decimal.NewFromFloat(0.05)
	}
	return &Oracle{
		cfg:     cfg,
		readers: readers,
		cache:   cache,
		logger:  logger.With(slog.String("component", "oracle")),
		now:     time.Now,
	}
}

// Quote returns every pool price for token in quote on chain, most liquid
// first. quote may be "USD" (any configured stablecoin), a stablecoin symbol
// or the chain's native symbol.
func (o *Oracle) Quote(ctx context.Context, token string, chain domain.Chain, quote string) (domain.OracleQuote, error) {
	cc, reader, err := o.chain(chain)
	if err != nil {
		return domain.OracleQuote{}, err
	}
	if !common.IsHexAddress(token) {
		return domain.OracleQuote{}, fmt.Errorf("oracle: token %q: %w", token, domain.ErrInvalidInput)
	}
	base := common.HexToAddress(token)
	quote = strings.ToUpper(quote)

	if o.cache != nil {
		if q, err := o.cache.GetQuote(ctx, chain, base.Hex(), quote); err == nil {
			return q, nil
		}
	}

	var (
		prices  []domain.TokenPrice
		lastErr error
	)
	for _, venue := range cc.Venues {
		got, err := o.venuePrices(ctx, reader, cc, venue, base, quote)
		if err != nil {
			if ctx.Err() != nil {
				return domain.OracleQuote{}, fmt.Errorf("oracle: quote %s: %w", base.Hex(), ctx.Err())
			}
			if !errors.Is(err, domain.ErrNoPool) {
				o.logger.WarnContext(ctx, "venue query failed",
					slog.String("chain", string(chain)),
					slog.String("venue", venue.Name),
					slog.String("token", base.Hex()),
					slog.String("error", err.Error()),
				)
			}
			if lastErr == nil || !errors.Is(err, domain.ErrNoPool) {
				lastErr = err
			}
			continue
		}
		prices = append(prices, got...)
	}

	if len(prices) == 0 {
		if lastErr == nil {
			lastErr = domain.ErrNoPool
		}
		return domain.OracleQuote{}, fmt.Errorf("oracle: quote %s on %s: %w", base.Hex(), chain, lastErr)
	}

	sortByLiquidity(prices)
	out := domain.OracleQuote{
		Token:        base.Hex(),
		Chain:        chain,
		Quote:        quote,
		Prices:       prices,
		Disagreement: disagreement(prices, o.cfg.DisagreementTolerance),
	}
	if out.Disagreement != nil {
		o.logger.WarnContext(ctx, "oracle venues disagree",
			slog.String("token", out.Token),
			slog.String("spread_pct", out.Disagreement.SpreadPct.StringFixed(4)),
			slog.Any("pools", out.Disagreement.Pools),
		)
	}

	if o.cache != nil && o.cfg.CacheTTL > 0 {
		if err := o.cache.SetQuote(ctx, out, o.cfg.CacheTTL); err != nil {
			o.logger.DebugContext(ctx, "quote cache write failed", slog.String("error", err.Error()))
		}
	}
	return out, nil
}

// NativePrice returns the USD price of the chain's native asset, falling back
// to the configured static price when no pool answers.
func (o *Oracle) NativePrice(ctx context.Context, chain domain.Chain) (domain.TokenPrice, error) {
	cc, _, err := o.chain(chain)
	if err != nil {
		return domain.TokenPrice{}, err
	}
	q, err := o.Quote(ctx, cc.WrappedNative.Hex(), chain, domain.QuoteUSD)
	if err == nil {
		if best, ok := q.Best(); ok {
			return best, nil
		}
	}
	if ctx.Err() != nil {
		return domain.TokenPrice{}, fmt.Errorf("oracle: native price: %w", ctx.Err())
	}
	if cc.NativeFallbackUSD.IsPositive() {
		o.logger.WarnContext(ctx, "using fallback native price",
			slog.String("chain", string(chain)),
			slog.String("price", cc.NativeFallbackUSD.String()),
		)
		return domain.TokenPrice{
			Token:     cc.NativeSymbol,
			Quote:     domain.QuoteUSD,
			Price:     cc.NativeFallbackUSD,
			Source:    domain.PriceSourceFallback,
			Timestamp: o.now().UTC(),
			PoolID:    "config",
		}, nil
	}
	return domain.TokenPrice{}, fmt.Errorf("oracle: native price on %s: %w", chain, err)
}

func (o *Oracle) chain(chain domain.Chain) (ChainConfig, PriceReader, error) {
	cc, ok := o.cfg.Chains[chain]
	reader := o.readers[chain]
	if !ok || reader == nil {
		return ChainConfig{}, nil, fmt.Errorf("oracle: chain %q not configured: %w", chain, domain.ErrInvalidInput)
	}
	return cc, reader, nil
}

// venuePrices collects the usable pools for base on one venue.
func (o *Oracle) venuePrices(ctx context.Context, reader PriceReader, cc ChainConfig, venue Venue, base common.Address, quote string) ([]domain.TokenPrice, error) {
	var (
		out     []domain.TokenPrice
		lastErr error
	)
	poolID := func(pp PoolPrice) string { return venue.Name + ":" + pp.Pair.Hex() }
	record := func(pp PoolPrice, price, liquidity decimal.Decimal, route string, legs []domain.PoolLeg) {
		if legs == nil {
			legs = []domain.PoolLeg{{PoolID: poolID(pp), Price: price, Liquidity: liquidity}}
		}
		out = append(out, domain.TokenPrice{
			Token:     base.Hex(),
			Quote:     quote,
			Price:     price,
			Source:    domain.PriceSourceOracle,
			Timestamp: o.now().UTC(),
			PoolID:    poolID(pp) + route,
			Liquidity: liquidity,
			Legs:      legs,
		})
	}

	if quote == strings.ToUpper(cc.NativeSymbol) {
		if base == cc.WrappedNative {
			return nil, fmt.Errorf("oracle: native quoted in itself: %w", domain.ErrInvalidInput)
		}
		pp, err := reader.SpotPrice(ctx, venue.Factory, base, cc.WrappedNative)
		if err != nil {
			return nil, err
		}
		record(pp, pp.Price, pp.QuoteDepth, "", nil)
		return out, nil
	}

	stables, err := stablesFor(cc, quote)
	if err != nil {
		return nil, err
	}

	for _, s := range stables {
		if s.addr == base {
			continue
		}
		pp, err := reader.SpotPrice(ctx, venue.Factory, base, s.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = preferTransient(err, lastErr)
			continue
		}
		record(pp, pp.Price, pp.QuoteDepth, "", nil)
	}
	if len(out) > 0 || base == cc.WrappedNative {
		if len(out) == 0 {
			return nil, orNoPool(lastErr)
		}
		return out, nil
	}

	// No direct stable pool: route through the wrapped native token.
	hop, err := reader.SpotPrice(ctx, venue.Factory, base, cc.WrappedNative)
	if err != nil {
		return nil, preferTransient(err, lastErr)
	}
	var second PoolPrice
	for _, s := range stables {
		pp, err := reader.SpotPrice(ctx, venue.Factory, cc.WrappedNative, s.addr)
		if err != nil {
			lastErr = preferTransient(err, lastErr)
			continue
		}
		if pp.QuoteDepth.GreaterThan(second.QuoteDepth) {
			second = pp
		}
	}
	if !second.Price.IsPositive() {
		return nil, orNoPool(lastErr)
	}
	nativeUSD := second.Price
	legs := []domain.PoolLeg{
		{PoolID: poolID(hop), Price: hop.Price.Mul(nativeUSD), Liquidity: hop.QuoteDepth.Mul(nativeUSD)},
		{PoolID: poolID(second), Price: nativeUSD, Liquidity: second.QuoteDepth},
	}
	record(hop, hop.Price.Mul(nativeUSD), hop.QuoteDepth.Mul(nativeUSD), "/via-native", legs)
	return out, nil
}

type stable struct {
	symbol string
	addr   common.Address
}

// stablesFor returns the stablecoins that satisfy quote, in symbol order.
func stablesFor(cc ChainConfig, quote string) ([]stable, error) {
	var out []stable
	for sym, addr := range cc.Stablecoins {
		if quote == domain.QuoteUSD || strings.EqualFold(sym, quote) {
			out = append(out, stable{symbol: strings.ToUpper(sym), addr: addr})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("oracle: unsupported quote %q: %w", quote, domain.ErrNotComparable)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out, nil
}

// preferTransient keeps an earlier transient failure visible when the
// fallback route simply has no pool, so "could not check" is not reported as
// "nothing there".
func preferTransient(err, earlier error) error {
	if errors.Is(err, domain.ErrNoPool) && earlier != nil && !errors.Is(earlier, domain.ErrNoPool) {
		return earlier
	}
	return err
}

func orNoPool(err error) error {
	if err == nil {
		return domain.ErrNoPool
	}
	return err
}

func sortByLiquidity(prices []domain.TokenPrice) {
	sort.SliceStable(prices, func(i, j int) bool {
		if c := prices[i].Liquidity.Cmp(prices[j].Liquidity); c != 0 {
			return c > 0
		}
		return prices[i].PoolID < prices[j].PoolID
	})
}

// disagreement reports the spread between the cheapest and dearest venue
// when it exceeds tol.
func disagreement(prices []domain.TokenPrice, tol decimal.Decimal) *domain.Disagreement {
	if len(prices) < 2 {
		return nil
	}
	lo, hi := prices[0].Price, prices[0].Price
	for _, p := range prices[1:] {
		if p.Price.LessThan(lo) {
			lo = p.Price
		}
		if p.Price.GreaterThan(hi) {
			hi = p.Price
		}
	}
	if !lo.IsPositive() {
		return nil
	}
	spread := hi.Sub(lo).DivRound(lo, 18)
	if !spread.GreaterThan(tol) {
		return nil
	}
	pools := make([]string, 0, len(prices))
	for _, p := range prices {
		pools = append(pools, p.PoolID)
	}
	return &domain.Disagreement{
		MinPrice:  lo,
		MaxPrice:  hi,
		SpreadPct: spread,
		Tolerance: tol,
		Pools:     pools,
	}
}
