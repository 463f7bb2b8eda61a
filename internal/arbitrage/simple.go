package arbitrage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// simple models a two-leg trade against the contract and the most liquid
// pool: buy from the contract and sell on the pool when the contract is
// cheap, and the reverse when it is dear. The DEX fee is charged on both
// legs.
func simple(dev domain.PriceDeviation, fees FeeParams, lim Limits) (domain.ArbitrageOpportunity, bool) {
	market := dev.MarketPrice
	p := newPool(market)
	volume := boundedVolume(lim, p)
	if !volume.IsPositive() {
		return domain.ArbitrageOpportunity{}, false
	}
	cp := dev.ContractPrice.Price

	var (
		input, proceeds, dexNotional decimal.Decimal
		effective                    decimal.Decimal
		path, steps                  []string
	)
	switch dev.Direction {
	case domain.DirectionUnderpriced:
		input = volume.Mul(cp)
		proceeds = p.sell(volume)
		dexNotional = input.Add(proceeds)
		effective = proceeds.DivRound(volume, 18)
		path = []string{"contract", market.PoolID}
		steps = []string{
			fmt.Sprintf("buy %s tokens from the contract at %s", volume.StringFixed(4), cp.String()),
			fmt.Sprintf("sell them on %s for %s %s", market.PoolID, proceeds.StringFixed(2), dev.Quote),
		}
	case domain.DirectionOverpriced:
		cost, ok := p.buyCost(volume)
		if !ok {
			return domain.ArbitrageOpportunity{}, false
		}
		input = cost
		proceeds = volume.Mul(cp)
		dexNotional = cost.Add(proceeds)
		effective = cost.DivRound(volume, 18)
		path = []string{market.PoolID, "contract"}
		steps = []string{
			fmt.Sprintf("buy %s tokens on %s for %s %s", volume.StringFixed(4), market.PoolID, cost.StringFixed(2), dev.Quote),
			fmt.Sprintf("sell them to the contract at %s", cp.String()),
		}
	default:
		return domain.ArbitrageOpportunity{}, false
	}

	opp := domain.ArbitrageOpportunity{
		Token:       dev.Token,
		Strategy:    domain.StrategySimple,
		InputAmount: input,
		GrossProfit: proceeds.Sub(input),
		Fees: domain.FeeBreakdown{
			DEXFee:       ptr(bps(dexNotional, fees.DEXFeeBps)),
			FlashLoanFee: ptr(decimal.Zero),
			Gas:          fees.gasCost(fees.GasUnits.Simple),
		},
		Currency:    dev.Quote,
		Path:        path,
		Steps:       steps,
		PriceImpact: effective.Sub(market.Price).Abs().DivRound(market.Price, 18),
		Provisional: !p.known(),
	}
	return opp, true
}
