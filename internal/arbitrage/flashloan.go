package arbitrage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// flashLoan models borrowing each configured principal, trading it through
// the contract and the most liquid pool within one transaction, and repaying
// the loan plus its fee. Only principals that end with a positive net are
// returned.
func flashLoan(dev domain.PriceDeviation, fees FeeParams, lim Limits) []domain.ArbitrageOpportunity {
	market := dev.MarketPrice
	p := newPool(market)
	cp := dev.ContractPrice.Price
	if !cp.IsPositive() {
		return nil
	}

	seen := make(map[string]struct{}, len(lim.FlashLoanPrincipals))
	var out []domain.ArbitrageOpportunity
	for _, principal := range lim.FlashLoanPrincipals {
		if !principal.IsPositive() {
			continue
		}

		var (
			borrowed, proceeds, dexNotional decimal.Decimal
			volume                          decimal.Decimal
			path, steps                     []string
		)
		switch dev.Direction {
		case domain.DirectionUnderpriced:
			volume = principal.DivRound(cp, 18)
			if lim.ContractSupply.IsPositive() && volume.GreaterThan(lim.ContractSupply) {
				volume = lim.ContractSupply
			}
			borrowed = volume.Mul(cp)
			proceeds = p.sell(volume)
			dexNotional = borrowed.Add(proceeds)
			path = []string{"flash_loan", "contract", market.PoolID, "repay"}
			steps = []string{
				fmt.Sprintf("borrow %s %s", borrowed.StringFixed(2), dev.Quote),
				fmt.Sprintf("buy %s tokens from the contract at %s", volume.StringFixed(4), cp.String()),
				fmt.Sprintf("sell them on %s for %s %s", market.PoolID, proceeds.StringFixed(2), dev.Quote),
				"repay the loan plus fee",
			}
		case domain.DirectionOverpriced:
			volume = p.buyWith(principal)
			borrowed = principal
			if lim.ContractSupply.IsPositive() && volume.GreaterThan(lim.ContractSupply) {
				volume = lim.ContractSupply
				cost, ok := p.buyCost(volume)
				if !ok {
					continue
				}
				borrowed = cost
			}
			proceeds = volume.Mul(cp)
			dexNotional = borrowed.Add(proceeds)
			path = []string{"flash_loan", market.PoolID, "contract", "repay"}
			steps = []string{
				fmt.Sprintf("borrow %s %s", borrowed.StringFixed(2), dev.Quote),
				fmt.Sprintf("buy %s tokens on %s", volume.StringFixed(4), market.PoolID),
				fmt.Sprintf("sell them to the contract at %s", cp.String()),
				"repay the loan plus fee",
			}
		default:
			return nil
		}
		if !volume.IsPositive() {
			continue
		}

		// Capping by supply can collapse several principals onto one trade.
		key := borrowed.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		opp := domain.ArbitrageOpportunity{
			Token:       dev.Token,
			Strategy:    domain.StrategyFlashLoan,
			InputAmount: borrowed,
			GrossProfit: proceeds.Sub(borrowed),
			Fees: domain.FeeBreakdown{
				DEXFee:       ptr(bps(dexNotional, fees.DEXFeeBps)),
				FlashLoanFee: ptr(bps(borrowed, fees.FlashLoanFeeBps)),
				Gas:          fees.gasCost(fees.GasUnits.FlashLoan),
			},
			Currency:    dev.Quote,
			Provisional: !p.known(),
			Path:        path,
			Steps:       steps,
			PriceImpact: impactOf(proceeds, borrowed, volume, market.Price, dev.Direction),
		}
		opp.NetProfit = opp.GrossProfit.Sub(opp.Fees.Total())
		if !opp.NetProfit.IsPositive() {
			continue
		}
		out = append(out, opp)
	}
	return out
}

// impactOf is the gap between the pool-side effective price and spot.
func impactOf(proceeds, borrowed, volume, spot decimal.Decimal, dir domain.Direction) decimal.Decimal {
	if !volume.IsPositive() || !spot.IsPositive() {
		return decimal.Zero
	}
	poolSide := proceeds
	if dir == domain.DirectionOverpriced {
		poolSide = borrowed
	}
	return poolSide.DivRound(volume, 18).Sub(spot).Abs().DivRound(spot, 18)
}
