package domain

import (
	"github.com/shopspring/decimal"
)

// StrategyKind is the closed set of arbitrage strategies the modeler knows.
type StrategyKind int

const (
	StrategySimple StrategyKind = iota + 1
	StrategyTriangular
	StrategyFlashLoan
)

// StrategyKinds lists every strategy in evaluation order.
var StrategyKinds = []StrategyKind{StrategySimple, StrategyTriangular, StrategyFlashLoan}

func (k StrategyKind) String() string {
	switch k {
	case StrategySimple:
		return "simple"
	case StrategyTriangular:
		return "triangular"
	case StrategyFlashLoan:
		return "flash_loan"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k StrategyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *StrategyKind) UnmarshalText(b []byte) error {
	kind, err := ParseStrategyKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseStrategyKind maps a name back to its kind.
func ParseStrategyKind(s string) (StrategyKind, error) {
	for _, k := range StrategyKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, ErrUnknownStrategy
}

// FeeBreakdown lists every cost subtracted from gross profit. A nil
// component means the fee could not be determined.
type FeeBreakdown struct {
	DEXFee       *decimal.Decimal `json:"dex_fee"`
	FlashLoanFee *decimal.Decimal `json:"flash_loan_fee"`
	Gas          *decimal.Decimal `json:"gas"`
}

// Known reports whether every fee component is determined.
func (f FeeBreakdown) Known() bool {
	return f.DEXFee != nil && f.FlashLoanFee != nil && f.Gas != nil
}

// Total sums the known components.
func (f FeeBreakdown) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range []*decimal.Decimal{f.DEXFee, f.FlashLoanFee, f.Gas} {
		if c != nil {
			total = total.Add(*c)
		}
	}
	return total
}

// ArbitrageOpportunity is one modeled way of profiting from a deviation.
type ArbitrageOpportunity struct {
	ID          string          `json:"id"`
	Token       string          `json:"token"`
	Strategy    StrategyKind    `json:"strategy"`
	InputAmount decimal.Decimal `json:"input_amount"`
	GrossProfit decimal.Decimal `json:"gross_profit"`
	Fees        FeeBreakdown    `json:"fees"`
	NetProfit   decimal.Decimal `json:"net_profit"`
	Currency    string          `json:"currency"`
	// Native-unit figures, converted at NativeRate. All three are unset when
	// no USD rate for the native asset was known.
	GrossProfitNative *decimal.Decimal `json:"gross_profit_native,omitempty"`
	NetProfitNative   *decimal.Decimal `json:"net_profit_native,omitempty"`
	NativeRate        *TokenPrice      `json:"native_rate,omitempty"`
	// Provisional is set when some fee is unknown; such opportunities are
	// reported but never acted upon.
	Provisional bool     `json:"provisional"`
	Path        []string `json:"path,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	// PriceImpact is the cumulative price impact across legs.
	PriceImpact decimal.Decimal `json:"price_impact"`
	Severity    Severity        `json:"severity"`
}

// Actionable reports whether the opportunity can be handed to validation.
func (o ArbitrageOpportunity) Actionable() bool {
	return !o.Provisional && o.NetProfit.IsPositive()
}
