// Package arbitrage compares contract prices with market prices and models
// the arbitrage strategies a deviation makes possible.
package arbitrage

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// DefaultThreshold separates noise from a flagged deviation (10%).
var DefaultThreshold = decimal.NewFromFloat(0.10)

var (
	severityCritical = decimal.NewFromFloat(0.50)
	severityHigh     = decimal.NewFromFloat(0.25)
	severityMedium   = decimal.NewFromFloat(0.10)
)

// Comparator computes price deviations. It holds no state besides its
// threshold, so comparing the same snapshot twice gives the same result.
type Comparator struct {
	threshold decimal.Decimal
}

// NewComparator creates a Comparator; a non-positive threshold selects the
// default.
func NewComparator(threshold decimal.Decimal) *Comparator {
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	return &Comparator{threshold: threshold}
}

// Threshold returns the configured flag threshold.
func (c *Comparator) Threshold() decimal.Decimal { return c.threshold }

// Compare measures contract against the most liquid market price. The other
// market prices are attached as corroborating alternates.
func (c *Comparator) Compare(contract domain.TokenPrice, market domain.OracleQuote) (domain.PriceDeviation, error) {
	if contract.IsZero() || len(market.Prices) == 0 {
		return domain.PriceDeviation{}, fmt.Errorf("arbitrage: compare %s: missing price: %w", contract.Token, domain.ErrNotComparable)
	}

	ranked := make([]domain.TokenPrice, len(market.Prices))
	copy(ranked, market.Prices)
	sort.SliceStable(ranked, func(i, j int) bool {
		if cmp := ranked[i].Liquidity.Cmp(ranked[j].Liquidity); cmp != 0 {
			return cmp > 0
		}
		return ranked[i].PoolID < ranked[j].PoolID
	})

	dev, err := Deviation(contract, ranked[0])
	if err != nil {
		return domain.PriceDeviation{}, err
	}
	dev.Threshold = c.threshold
	if len(ranked) > 1 {
		dev.Alternates = ranked[1:]
	}
	dev.Disagreement = market.Disagreement
	return dev, nil
}

// Deviation computes |contract - market| / min(contract, market). Dividing by
// the smaller price keeps the magnitude identical when the two labels are
// swapped; only Direction flips.
func Deviation(contract, market domain.TokenPrice) (domain.PriceDeviation, error) {
	if !contract.Comparable(market) {
		return domain.PriceDeviation{}, fmt.Errorf("arbitrage: %s quoted in %q vs %q: %w",
			contract.Token, contract.Quote, market.Quote, domain.ErrNotComparable)
	}
	cp, mp := contract.Price, market.Price

	lower := decimal.Min(cp, mp)
	pct := cp.Sub(mp).Abs().DivRound(lower, 18)

	dir := domain.DirectionAtMarket
	switch cp.Cmp(mp) {
	case -1:
		dir = domain.DirectionUnderpriced
	case 1:
		dir = domain.DirectionOverpriced
	}

	token := contract.Token
	if token == "" {
		token = market.Token
	}
	return domain.PriceDeviation{
		Token:         token,
		Quote:         contract.Quote,
		ContractPrice: contract,
		MarketPrice:   market,
		DeviationPct:  pct,
		Direction:     dir,
		Severity:      severityFor(pct),
		Threshold:     DefaultThreshold,
	}, nil
}

func severityFor(pct decimal.Decimal) domain.Severity {
	switch {
	case pct.GreaterThan(severityCritical):
		return domain.SeverityCritical
	case pct.GreaterThan(severityHigh):
		return domain.SeverityHigh
	case pct.GreaterThan(severityMedium):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
