package arbitrage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// triangular models the trade across every routed market price (a price with
// two or more legs). Impact is accumulated leg by leg and the route is
// dropped once it exceeds the slippage limit.
func triangular(dev domain.PriceDeviation, fees FeeParams, lim Limits) []domain.ArbitrageOpportunity {
	routes := make([]domain.TokenPrice, 0, 1+len(dev.Alternates))
	for _, p := range append([]domain.TokenPrice{dev.MarketPrice}, dev.Alternates...) {
		if len(p.Legs) >= 2 && p.Price.IsPositive() {
			routes = append(routes, p)
		}
	}

	var out []domain.ArbitrageOpportunity
	for _, route := range routes {
		if opp, ok := triangularRoute(dev, route, fees, lim); ok {
			out = append(out, opp)
		}
	}
	return out
}

func triangularRoute(dev domain.PriceDeviation, route domain.TokenPrice, fees FeeParams, lim Limits) (domain.ArbitrageOpportunity, bool) {
	volume := boundedVolume(lim, newPool(route))
	if !volume.IsPositive() {
		return domain.ArbitrageOpportunity{}, false
	}
	cp := dev.ContractPrice.Price
	notional := volume.Mul(route.Price)

	// Each leg moves the notional by n/(L+n). Unknown depth on any leg makes
	// the opportunity provisional and the leg is treated as impact-free.
	var (
		impact      = decimal.Zero
		dexFee      = decimal.Zero
		carried     = notional
		provisional bool
		hops        = make([]string, 0, len(route.Legs))
	)
	one := decimal.NewFromInt(1)
	for _, leg := range route.Legs {
		hops = append(hops, leg.PoolID)
		dexFee = dexFee.Add(bps(carried, fees.DEXFeeBps))
		if !leg.Liquidity.IsPositive() {
			provisional = true
			continue
		}
		legImpact := carried.DivRound(leg.Liquidity.Add(carried), 18)
		impact = impact.Add(legImpact)
		carried = carried.Mul(one.Sub(legImpact))
	}
	if lim.MaxSlippage.IsPositive() && impact.GreaterThan(lim.MaxSlippage) {
		return domain.ArbitrageOpportunity{}, false
	}

	var (
		input, proceeds decimal.Decimal
		path, steps     []string
	)
	switch dev.Direction {
	case domain.DirectionUnderpriced:
		input = volume.Mul(cp)
		proceeds = carried
		path = append(append([]string{"contract"}, hops...), dev.Quote)
		steps = []string{
			fmt.Sprintf("buy %s tokens from the contract at %s", volume.StringFixed(4), cp.String()),
			fmt.Sprintf("route the sale through %s", strings.Join(hops, " -> ")),
		}
	case domain.DirectionOverpriced:
		// Buying through the route costs the notional grossed up by the
		// same impact the sale would suffer.
		kept := carried.DivRound(notional, 18)
		if !kept.IsPositive() {
			return domain.ArbitrageOpportunity{}, false
		}
		input = notional.DivRound(kept, 18)
		proceeds = volume.Mul(cp)
		path = append(append([]string{dev.Quote}, reversed(hops)...), "contract")
		steps = []string{
			fmt.Sprintf("buy %s tokens through %s", volume.StringFixed(4), strings.Join(reversed(hops), " -> ")),
			fmt.Sprintf("sell them to the contract at %s", cp.String()),
		}
	default:
		return domain.ArbitrageOpportunity{}, false
	}

	return domain.ArbitrageOpportunity{
		Token:       dev.Token,
		Strategy:    domain.StrategyTriangular,
		InputAmount: input,
		GrossProfit: proceeds.Sub(input),
		Fees: domain.FeeBreakdown{
			DEXFee:       ptr(dexFee),
			FlashLoanFee: ptr(decimal.Zero),
			Gas:          fees.gasCost(fees.GasUnits.Triangular),
		},
		Currency:    dev.Quote,
		Provisional: provisional || !route.Liquidity.IsPositive(),
		Path:        path,
		Steps:       steps,
		PriceImpact: impact,
	}, true
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}
