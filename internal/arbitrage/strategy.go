package arbitrage

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

var (
	bpsDenominator = decimal.NewFromInt(10_000)
	weiPerNative   = decimal.New(1, 18)
)

// FeeParams are the chain-specific costs applied to every strategy.
type FeeParams struct {
	DEXFeeBps       decimal.Decimal
	FlashLoanFeeBps decimal.Decimal
	// GasPriceWei is nil when the gas price is unknown.
	GasPriceWei *big.Int
	// NativeUSD prices gas in the quote currency; zero means unknown.
	NativeUSD decimal.Decimal
	// Native is the observed rate behind NativeUSD, when one was captured.
	Native   domain.TokenPrice
	GasUnits GasUnits
}

// GasUnits is the estimated gas consumed per strategy.
type GasUnits struct {
	Simple     uint64
	Triangular uint64
	FlashLoan  uint64
}

// Limits bound how much volume a strategy may assume.
type Limits struct {
	// DefaultVolume is the token amount assumed when nothing else bounds it.
	DefaultVolume decimal.Decimal
	// ContractSupply caps how many tokens the contract can sell or buy;
	// zero means unknown.
	ContractSupply decimal.Decimal
	// MaxPoolFraction is the largest share of a pool's base reserve a single
	// trade may take.
	MaxPoolFraction decimal.Decimal
	// MaxSlippage rejects multi-leg paths whose cumulative impact exceeds it.
	MaxSlippage decimal.Decimal
	// MinProfit discards opportunities whose net profit is below it.
	MinProfit decimal.Decimal
	// FlashLoanPrincipals are the borrowed amounts tried, in quote units.
	FlashLoanPrincipals []decimal.Decimal
}

// DefaultLimits mirrors the usual audit settings.
func DefaultLimits() Limits {
	return Limits{
		DefaultVolume:   decimal.NewFromInt(1000),
		MaxPoolFraction: decimal.NewFromFloat(0.10),
		MaxSlippage:     decimal.NewFromFloat(0.05),
		MinProfit:       decimal.NewFromInt(100),
		FlashLoanPrincipals: []decimal.Decimal{
			decimal.NewFromInt(10_000),
			decimal.NewFromInt(100_000),
			decimal.NewFromInt(1_000_000),
		},
	}
}

// gasCost prices units of gas in the quote currency. It returns nil when
// either the gas price or the native price is unknown.
func (f FeeParams) gasCost(units uint64) *decimal.Decimal {
	if f.GasPriceWei == nil || !f.NativeUSD.IsPositive() {
		return nil
	}
	wei := decimal.NewFromBigInt(new(big.Int).Mul(f.GasPriceWei, new(big.Int).SetUint64(units)), 0)
	cost := wei.DivRound(weiPerNative, 18).Mul(f.NativeUSD)
	return &cost
}

// nativeRate returns the USD rate of the native asset used to convert
// opportunity figures, or false when none is known.
func (f FeeParams) nativeRate() (domain.TokenPrice, bool) {
	if !f.NativeUSD.IsPositive() {
		return domain.TokenPrice{}, false
	}
	if f.Native.Price.Equal(f.NativeUSD) && f.Native.Quote == domain.QuoteUSD {
		return f.Native, true
	}
	return domain.TokenPrice{
		Quote:  domain.QuoteUSD,
		Price:  f.NativeUSD,
		Source: domain.PriceSourceFallback,
	}, true
}

func bps(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).DivRound(bpsDenominator, 18)
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// pool is a constant-product view of one market price: Y quote units against
// X = Y/price base tokens. A pool with unknown depth trades at spot.
type pool struct {
	price decimal.Decimal
	y     decimal.Decimal
}

func newPool(p domain.TokenPrice) pool {
	return pool{price: p.Price, y: p.Liquidity}
}

func (p pool) known() bool { return p.y.IsPositive() && p.price.IsPositive() }

func (p pool) x() decimal.Decimal { return p.y.DivRound(p.price, 18) }

// sell returns the quote received for dx tokens.
func (p pool) sell(dx decimal.Decimal) decimal.Decimal {
	if !p.known() {
		return dx.Mul(p.price)
	}
	return p.y.Mul(dx).DivRound(p.x().Add(dx), 18)
}

// buyCost returns the quote needed to take dx tokens out of the pool. It
// reports false if dx would drain the pool.
func (p pool) buyCost(dx decimal.Decimal) (decimal.Decimal, bool) {
	if !p.known() {
		return dx.Mul(p.price), true
	}
	x := p.x()
	if dx.GreaterThanOrEqual(x) {
		return decimal.Zero, false
	}
	return p.y.Mul(dx).DivRound(x.Sub(dx), 18), true
}

// buyWith returns the tokens received for q quote units.
func (p pool) buyWith(q decimal.Decimal) decimal.Decimal {
	if !p.known() {
		return q.DivRound(p.price, 18)
	}
	return p.x().Mul(q).DivRound(p.y.Add(q), 18)
}

// boundedVolume caps the default volume by contract supply and pool depth.
func boundedVolume(l Limits, p pool) decimal.Decimal {
	v := l.DefaultVolume
	if l.ContractSupply.IsPositive() {
		v = decimal.Min(v, l.ContractSupply)
	}
	if p.known() && l.MaxPoolFraction.IsPositive() {
		v = decimal.Min(v, p.x().Mul(l.MaxPoolFraction))
	}
	return v
}

// severityForProfit grades an opportunity by its net profit in USD.
func severityForProfit(net decimal.Decimal) domain.Severity {
	switch {
	case net.GreaterThanOrEqual(decimal.NewFromInt(10_000)):
		return domain.SeverityCritical
	case net.GreaterThanOrEqual(decimal.NewFromInt(1_000)):
		return domain.SeverityHigh
	case net.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return domain.SeverityMedium
	case net.IsPositive():
		return domain.SeverityLow
	default:
		return domain.SeverityNone
	}
}
