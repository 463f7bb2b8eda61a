package synth

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/llm"
)

const maxPromptSource = 6000

const systemPrompt = `You are a smart contract security researcher writing proof-of-concept contracts.
The contract you write is deployed only on a private local fork of the chain to confirm or refute a
suspected flaw before it is reported to the contract's owners. Answer with a single Solidity code
block and nothing else.`

// buildPrompt renders the generation request for ref against iface.
func buildPrompt(ref domain.VulnerabilityRef, iface domain.TargetInterface, contractName string) []llm.Message {
	var b strings.Builder

	src := iface.Source
	if len(src) > maxPromptSource {
		src = src[:maxPromptSource] + "\n// ... truncated"
	}
	if src != "" {
		fmt.Fprintf(&b, "TARGET CONTRACT (%s):\n```solidity\n%s\n```\n\n", iface.Address.Hex(), src)
	} else {
		fmt.Fprintf(&b, "TARGET CONTRACT: %s (source unavailable)\n", iface.Address.Hex())
		if iface.ABI != "" {
			fmt.Fprintf(&b, "ABI: %s\n", iface.ABI)
		}
		b.WriteString("\n")
	}

	b.WriteString("SUSPECTED FLAW:\n")
	fmt.Fprintf(&b, "Type: %s\n", ref.Kind())
	if ref.Finding != nil && ref.Finding.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", ref.Finding.Location)
	}
	fmt.Fprintf(&b, "Description: %s\n", ref.Describe())
	if ref.Deviation != nil {
		fmt.Fprintf(&b, "Contract price: %s %s, market price: %s %s (%s)\n",
			ref.Deviation.ContractPrice.Price, ref.Deviation.Quote,
			ref.Deviation.MarketPrice.Price, ref.Deviation.Quote,
			ref.Deviation.Direction)
	}
	if ref.Opportunity != nil && len(ref.Opportunity.Steps) > 0 {
		b.WriteString("Modeled steps:\n")
		for i, s := range ref.Opportunity.Steps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	fmt.Fprintf(&b, "\nCHAIN: %s\n\n", strings.ToUpper(string(iface.Chain)))

	fmt.Fprintf(&b, `REQUIREMENTS:
1. One contract named %[1]s, plus any interfaces it needs. No imports.
2. A constructor "constructor(address _target) payable" storing the target.
3. A "function verify() external returns (bool)" that performs the attack using only the
   contract's own native balance, which is the capital it was deployed with.
4. verify() returns true only if the contract's native balance ends above where it started.
5. Include "receive() external payable {}" so native proceeds can be received.

SKELETON:
`+"```solidity"+`
// SPDX-License-Identifier: MIT
pragma solidity ^0.8.0;

contract %[1]s {
    address public immutable target;

    constructor(address _target) payable {
        target = _target;
    }

    receive() external payable {}

    function verify() external returns (bool) {
        uint256 start = address(this).balance;
        // attack
        return address(this).balance > start;
    }
}
`+"```"+`
`, contractName)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
