package synth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

var (
	solidityBlock = regexp.MustCompile("(?is)```solidity\\s*(.*?)\\s*```")
	anyBlock      = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")
	contractDecl  = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?contract\s+([A-Za-z_][A-Za-z0-9_]*)`)
	verifyDecl    = regexp.MustCompile(`function\s+verify\s*\(\s*\)`)
	ctorDecl      = regexp.MustCompile(`constructor\s*\(([^)]*)\)`)
)

// ExtractSolidity pulls the code out of a model reply: the first solidity
// fence, else the first fence of any kind, else the whole reply.
func ExtractSolidity(reply string) string {
	if m := solidityBlock.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyBlock.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(reply)
}

// CheckShape rejects code that cannot be run by the executor: it needs a
// pragma, a contract, a verify() entry point and a constructor taking at
// most one address. It returns the contract declaring verify().
func CheckShape(code string) (string, error) {
	if !strings.Contains(strings.ToLower(code), "pragma solidity") {
		return "", fmt.Errorf("synth: missing pragma: %w", domain.ErrShapeRejected)
	}
	decls := contractDecl.FindAllStringSubmatchIndex(code, -1)
	if len(decls) == 0 {
		return "", fmt.Errorf("synth: no contract declared: %w", domain.ErrShapeRejected)
	}
	verify := verifyDecl.FindStringIndex(code)
	if verify == nil {
		return "", fmt.Errorf("synth: no verify() function: %w", domain.ErrShapeRejected)
	}

	// The verifying contract is the last one declared before verify().
	name := ""
	for _, d := range decls {
		if d[0] < verify[0] {
			name = code[d[2]:d[3]]
		}
	}
	if name == "" {
		return "", fmt.Errorf("synth: verify() outside any contract: %w", domain.ErrShapeRejected)
	}

	for _, m := range ctorDecl.FindAllStringSubmatch(code, -1) {
		params := strings.TrimSpace(m[1])
		if params == "" {
			continue
		}
		parts := strings.Split(params, ",")
		if len(parts) > 1 || !strings.HasPrefix(strings.TrimSpace(parts[0]), "address") {
			return "", fmt.Errorf("synth: constructor(%s) must take at most one address: %w", params, domain.ErrShapeRejected)
		}
	}
	return name, nil
}

var (
	buyNames      = []string{"buy", "purchase", "buytokens", "deposit", "mint", "swapethfortokens"}
	sellNames     = []string{"sell", "selltokens", "redeem", "withdraw", "burn", "swaptokensforeth"}
	withdrawNames = []string{"withdraw", "withdrawall", "claim", "redeem", "exit"}
)

// Entry names a target's callable entry points by signature, e.g. "buy()".
type Entry struct {
	Buy      string
	Sell     string
	Withdraw string
}

// EntryPoints guesses the target's entry points from its ABI: a payable
// function without inputs for buying, a function taking one uint256 for
// selling and a function without inputs for withdrawing. Names are matched
// against common conventions and the first match in alphabetical order wins.
func EntryPoints(abiJSON string) Entry {
	var e Entry
	if strings.TrimSpace(abiJSON) == "" {
		return e
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return e
	}
	names := make([]string, 0, len(parsed.Methods))
	for n := range parsed.Methods {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		m := parsed.Methods[n]
		lower := strings.ToLower(m.RawName)
		switch {
		case m.IsPayable() && len(m.Inputs) == 0:
			if e.Buy == "" && matches(lower, buyNames) {
				e.Buy = m.Sig
			}
		case len(m.Inputs) == 1 && m.Inputs[0].Type.String() == "uint256":
			if e.Sell == "" && matches(lower, sellNames) {
				e.Sell = m.Sig
			}
		case len(m.Inputs) == 0 && !m.IsConstant():
			if e.Withdraw == "" && matches(lower, withdrawNames) {
				e.Withdraw = m.Sig
			}
		}
	}
	return e
}

func matches(name string, candidates []string) bool {
	for _, c := range candidates {
		if name == c {
			return true
		}
	}
	return false
}
