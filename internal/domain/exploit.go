package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VulnerabilityKind is the category used to pick an exploit template.
type VulnerabilityKind string

const (
	VulnPriceArbitrage     VulnerabilityKind = "price_arbitrage"
	VulnFlashLoanArbitrage VulnerabilityKind = "flash_loan_arbitrage"
	VulnFixedPriceOracle   VulnerabilityKind = "fixed_price_oracle"
	VulnReserveBasedPrice  VulnerabilityKind = "reserve_based_pricing"
	VulnNoSlippage         VulnerabilityKind = "no_slippage_protection"
	VulnFlashLoanVector    VulnerabilityKind = "flash_loan_vulnerable"
	VulnReentrancy         VulnerabilityKind = "reentrancy"
	VulnAccessControl      VulnerabilityKind = "access_control"
)

// Finding is a code-level finding, either from the external static-analysis
// feed or from the extractor's economic pattern scan.
type Finding struct {
	Kind        VulnerabilityKind `json:"kind"`
	Location    string            `json:"location"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description,omitempty"`
}

// VulnerabilityRef is what the synthesizer is asked to exploit: exactly one
// of Opportunity or Finding is set.
type VulnerabilityRef struct {
	Opportunity *ArbitrageOpportunity `json:"opportunity,omitempty"`
	Deviation   *PriceDeviation       `json:"deviation,omitempty"`
	Finding     *Finding              `json:"finding,omitempty"`
}

// Kind returns the template category for the reference.
func (r VulnerabilityRef) Kind() VulnerabilityKind {
	switch {
	case r.Opportunity != nil && r.Opportunity.Strategy == StrategyFlashLoan:
		return VulnFlashLoanArbitrage
	case r.Opportunity != nil:
		return VulnPriceArbitrage
	case r.Finding != nil:
		return r.Finding.Kind
	default:
		return ""
	}
}

// Describe renders a one-line description for prompts and logs.
func (r VulnerabilityRef) Describe() string {
	switch {
	case r.Opportunity != nil:
		return r.Opportunity.Strategy.String() + " arbitrage on " + r.Opportunity.Token +
			", expected net " + r.Opportunity.NetProfit.StringFixed(2) + " " + r.Opportunity.Currency
	case r.Finding != nil:
		if r.Finding.Description != "" {
			return r.Finding.Description
		}
		return string(r.Finding.Kind) + " at " + r.Finding.Location
	default:
		return ""
	}
}

// GenerationMethod records how an artifact was produced.
type GenerationMethod string

const (
	GenerationTemplate    GenerationMethod = "template"
	GenerationSynthesized GenerationMethod = "synthesized"
)

// TargetInterface is what the synthesizer knows about the target contract.
type TargetInterface struct {
	Address common.Address `json:"address"`
	Chain   Chain          `json:"chain"`
	Name    string         `json:"name,omitempty"`
	ABI     string         `json:"abi,omitempty"`
	Source  string         `json:"source,omitempty"`
	// BuyFunction and SellFunction name the contract's fixed-price entry
	// points when known ("buy()", "sell(uint256)").
	BuyFunction  string `json:"buy_function,omitempty"`
	SellFunction string `json:"sell_function,omitempty"`
}

// ExploitArtifact is compiled exploit code ready for a fork. Immutable:
// regeneration produces a new artifact with a new ID.
type ExploitArtifact struct {
	ID              string            `json:"id"`
	Target          common.Address    `json:"target"`
	Chain           Chain             `json:"chain"`
	Vulnerability   VulnerabilityKind `json:"vulnerability"`
	Description     string            `json:"description"`
	Method          GenerationMethod  `json:"method"`
	ContractName    string            `json:"contract_name"`
	Source          string            `json:"source"`
	ABI             string            `json:"abi"`
	Bytecode        []byte            `json:"-"`
	ConstructorArgs []byte            `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Compiled reports whether the artifact carries deployable bytecode.
func (a ExploitArtifact) Compiled() bool {
	return len(a.Bytecode) > 0
}
