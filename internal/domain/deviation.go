package domain

import "github.com/shopspring/decimal"

// Direction says on which side of the market the contract's price sits.
type Direction string

const (
	DirectionUnderpriced Direction = "contract_underpriced"
	DirectionOverpriced  Direction = "contract_overpriced"
	DirectionAtMarket    Direction = "at_market"
)

// Opposite returns the direction seen with contract and market swapped.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionUnderpriced:
		return DirectionOverpriced
	case DirectionOverpriced:
		return DirectionUnderpriced
	default:
		return d
	}
}

// Severity grades a finding.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, none lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// PriceDeviation compares a contract-declared price with the market price.
// It is derived from a snapshot and never persisted on its own.
type PriceDeviation struct {
	Token         string          `json:"token"`
	Quote         string          `json:"quote"`
	ContractPrice TokenPrice      `json:"contract_price"`
	MarketPrice   TokenPrice      `json:"market_price"`
	DeviationPct  decimal.Decimal `json:"deviation_pct"`
	Direction     Direction       `json:"direction"`
	Severity      Severity        `json:"severity"`
	Threshold     decimal.Decimal `json:"threshold"`
	// Alternates are the less liquid oracle prices, kept as corroborating
	// evidence rather than separate deviations.
	Alternates   []TokenPrice  `json:"alternates,omitempty"`
	Disagreement *Disagreement `json:"disagreement,omitempty"`
}

// Flagged reports whether the deviation is above the noise threshold.
func (d PriceDeviation) Flagged() bool {
	return d.DeviationPct.GreaterThan(d.Threshold)
}
