package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

var (
	fixedPriceOracle = regexp.MustCompile(`(?s)function\s+getPrice\b.*?returns.*?\{\s*return\s+\d+`)
	reservePricing   = regexp.MustCompile(`(?i)price\s*=\s*reserve\w*\s*/\s*reserve\w*`)
	swapCall         = regexp.MustCompile(`(?i)\bswap\w*\s*\(`)
	transferCall     = regexp.MustCompile(`\btransfer(From)?\s*\(`)
)

// DetectPatterns looks for code shapes that commonly make a contract
// economically exploitable. Matches are coarse and meant to seed exploit
// synthesis, not to prove a bug.
func DetectPatterns(code string) []domain.Finding {
	var out []domain.Finding
	lower := strings.ToLower(code)

	if loc := fixedPriceOracle.FindStringIndex(code); loc != nil {
		out = append(out, domain.Finding{
			Kind:        domain.VulnFixedPriceOracle,
			Location:    location(code, loc[0]),
			Severity:    domain.SeverityHigh,
			Description: "getPrice returns a constant, so the contract ignores market moves",
		})
	}

	if loc := swapCall.FindStringIndex(code); loc != nil &&
		!strings.Contains(lower, "slippage") &&
		!strings.Contains(lower, "amountoutmin") &&
		!strings.Contains(lower, "minamountout") {
		out = append(out, domain.Finding{
			Kind:        domain.VulnNoSlippage,
			Location:    location(code, loc[0]),
			Severity:    domain.SeverityMedium,
			Description: "swap path without a minimum-output or slippage bound",
		})
	}

	if loc := transferCall.FindStringIndex(code); loc != nil &&
		strings.Contains(code, "balanceOf") &&
		!strings.Contains(code, "nonReentrant") &&
		!strings.Contains(code, "ReentrancyGuard") {
		out = append(out, domain.Finding{
			Kind:        domain.VulnFlashLoanVector,
			Location:    location(code, loc[0]),
			Severity:    domain.SeverityHigh,
			Description: "balance-dependent transfers without a reentrancy guard can be driven by a flash loan",
		})
	}

	if loc := reservePricing.FindStringIndex(code); loc != nil {
		out = append(out, domain.Finding{
			Kind:        domain.VulnReserveBasedPrice,
			Location:    location(code, loc[0]),
			Severity:    domain.SeverityMedium,
			Description: "spot price computed from pool reserves can be moved with a large trade",
		})
	}
	return out
}

func location(code string, offset int) string {
	return fmt.Sprintf("line %d", lineOf(code, offset))
}
