// Package profit converts fork execution results into native and USD profit.
package profit

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

const nativeDecimals = 18

// Accountant prices execution results. It is stateless and safe for
// concurrent use.
type Accountant struct {
	symbols map[domain.Chain]string
}

// NewAccountant creates an Accountant. symbols maps each chain to the ticker
// of its native asset; unknown chains report "NATIVE".
func NewAccountant(symbols map[domain.Chain]string) *Accountant {
	return &Accountant{symbols: symbols}
}

// Account computes profit = final - initial and net = profit - gasUsed *
// gasPrice. A nil gasPrice falls back to the one recorded on the result; if
// neither is known the report is gross and NetOfGas is false. A non-positive
// net is a valid, non-exploitable report.
func (a *Accountant) Account(res domain.ExecutionResult, native domain.TokenPrice, gasPrice, capital *big.Int) domain.ProfitReport {
	profit := new(big.Int)
	if res.InitialBalance != nil && res.FinalBalance != nil {
		profit.Sub(res.FinalBalance, res.InitialBalance)
	}

	if gasPrice == nil {
		gasPrice = res.GasPrice
	}
	gasCost := new(big.Int)
	netOfGas := gasPrice != nil
	if netOfGas {
		gasCost.Mul(gasPrice, new(big.Int).SetUint64(res.GasUsed))
	}
	net := new(big.Int).Sub(profit, gasCost)

	netNative := toNative(net)
	usd := decimal.Zero
	if native.Price.IsPositive() {
		usd = netNative.Mul(native.Price).Round(2)
	}

	roi := decimal.Zero
	if capital == nil {
		capital = res.Capital
	}
	if capital != nil && capital.Sign() > 0 {
		roi = decimal.NewFromBigInt(net, 0).
			Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromBigInt(capital, 0), 4)
	}

	exploitable := res.Success && net.Sign() > 0
	sev := domain.SeverityNone
	if exploitable {
		sev = Severity(usd)
	}

	return domain.ProfitReport{
		ProfitWei:       profit,
		GasCostWei:      gasCost,
		NetProfitWei:    net,
		ProfitNative:    toNative(profit),
		NetProfitNative: netNative,
		ProfitUSD:       usd,
		ROIPercent:      roi,
		NetOfGas:        netOfGas,
		NativeSymbol:    a.symbol(res.Fork.Chain),
		NativePrice:     native,
		Exploitable:     exploitable,
		Severity:        sev,
	}
}

// Severity grades a USD profit.
func Severity(usd decimal.Decimal) domain.Severity {
	switch {
	case usd.GreaterThanOrEqual(decimal.NewFromInt(10_000)):
		return domain.SeverityCritical
	case usd.GreaterThanOrEqual(decimal.NewFromInt(1_000)):
		return domain.SeverityHigh
	case usd.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return domain.SeverityMedium
	case usd.IsPositive():
		return domain.SeverityLow
	default:
		return domain.SeverityNone
	}
}

func (a *Accountant) symbol(chain domain.Chain) string {
	if s, ok := a.symbols[chain]; ok && s != "" {
		return strings.ToUpper(s)
	}
	return "NATIVE"
}

func toNative(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -nativeDecimals)
}
