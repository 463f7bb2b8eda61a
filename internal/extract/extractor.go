// Package extract finds prices that a contract hardcodes or derives from
// simple formulas in its source. It is a heuristic: it may miss prices but
// never reports one it could not locate.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// Kinds of contract price the extractor recognizes.
const (
	KindHardcoded = "hardcoded_price"
	KindSalePrice = "sale_price"
	KindRate      = "rate"
	KindPoolRatio = "pool_ratio"
)

// Extraction is the result of scanning one source file. An empty Prices
// slice is a normal outcome meaning "no price found".
type Extraction struct {
	Token    string              `json:"token"`
	Prices   []domain.TokenPrice `json:"prices"`
	Patterns []domain.Finding    `json:"patterns"`
}

// Found reports whether at least one price was located.
func (e Extraction) Found() bool {
	return len(e.Prices) > 0
}

// Best returns the highest-confidence price at or above min.
func (e Extraction) Best(min domain.Confidence) (domain.TokenPrice, bool) {
	var (
		best  domain.TokenPrice
		found bool
	)
	for _, p := range e.Prices {
		if confidenceRank(p.Confidence) < confidenceRank(min) {
			continue
		}
		if !found || confidenceRank(p.Confidence) > confidenceRank(best.Confidence) {
			best, found = p, true
		}
	}
	return best, found
}

// BestIn is Best restricted to prices quoted in quote.
func (e Extraction) BestIn(min domain.Confidence, quote string) (domain.TokenPrice, bool) {
	quoted := Extraction{Prices: make([]domain.TokenPrice, 0, len(e.Prices))}
	for _, p := range e.Prices {
		if p.Quote == quote {
			quoted.Prices = append(quoted.Prices, p)
		}
	}
	return quoted.Best(min)
}

// AttributeTo returns the prices whose assignment lies within window lines
// of a line naming token's address in source, restamped for token. Patterns
// stay with the contract the source belongs to and are not copied.
func (e Extraction) AttributeTo(token, source string, window int) Extraction {
	out := Extraction{Token: token}
	needle := strings.TrimPrefix(strings.ToLower(token), "0x")
	if len(needle) != 40 || len(e.Prices) == 0 {
		return out
	}
	var mentions []int
	for i, line := range strings.Split(strings.ToLower(source), "\n") {
		if strings.Contains(line, needle) {
			mentions = append(mentions, i+1)
		}
	}
	for _, p := range e.Prices {
		for _, at := range mentions {
			if p.Line > 0 && abs(p.Line-at) <= window {
				p.Token = token
				out.Prices = append(out.Prices, p)
				break
			}
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Config controls how literals are interpreted.
type Config struct {
	// Decimals is the scale of price literals (18 for wei-denominated prices).
	Decimals int32
	// Quote is the currency explicitly scaled price literals are read in.
	// Bare prices and rates are always quoted in the native asset.
	Quote string
	// MaxSourceBytes bounds the input size; larger sources are an error.
	MaxSourceBytes int
}

// Extractor scans Solidity source for price literals.
type Extractor struct {
	cfg Config
	now func() time.Time
}

// New creates an Extractor, filling zero config fields with defaults.
func New(cfg Config) *Extractor {
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	if cfg.Quote == "" {
		cfg.Quote = domain.QuoteUSD
	}
	if cfg.MaxSourceBytes == 0 {
		cfg.MaxSourceBytes = 2 << 20
	}
	return &Extractor{cfg: cfg, now: time.Now}
}

// assignment matches `name = <literal>` where literal is an integer with an
// optional `* 10**E`, `eE` or unit suffix.
var assignment = regexp.MustCompile(
	`\b([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([0-9][0-9_]*)(?:\s*\*\s*10\s*\*\*\s*([0-9]+)|[eE]([0-9]+))?(?:\s+(ether|gwei|wei))?\s*;`,
)

var unitExp = map[string]int32{"ether": 18, "gwei": 9, "wei": 0}

const nativeDecimals = 18

// Extract scans source for prices of token. An empty or unverified source
// yields an empty Extraction and no error.
func (e *Extractor) Extract(token, source string) (Extraction, error) {
	out := Extraction{Token: token}
	if strings.TrimSpace(source) == "" {
		return out, nil
	}
	if len(source) > e.cfg.MaxSourceBytes {
		return out, fmt.Errorf("extract: source is %d bytes, limit %d: %w",
			len(source), e.cfg.MaxSourceBytes, domain.ErrExtractionFailed)
	}

	code := stripComments(source)
	now := e.now().UTC()
	seen := make(map[string]struct{})
	var reserveA, reserveB *literal

	for _, m := range assignment.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		lit, err := parseLiteral(code, m)
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)

		switch {
		case lower == "reservea":
			reserveA = &lit
			continue
		case lower == "reserveb":
			reserveB = &lit
			continue
		}

		kind, conf, ok := classify(lower, lit.scaled)
		if !ok || lit.value.IsZero() {
			continue
		}
		price, quote := e.denominate(kind, lit.value)
		key := kind + ":" + price.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		out.Prices = append(out.Prices, domain.TokenPrice{
			Token:      token,
			Quote:      quote,
			Price:      price,
			Source:     domain.PriceSourceContract,
			Timestamp:  now,
			Confidence: conf,
			Kind:       kind,
			Context:    strings.TrimSpace(code[m[0]:m[1]]),
			Line:       lineOf(code, m[0]),
		})
	}

	if reserveA != nil && reserveB != nil && reserveA.value.IsPositive() && reserveB.value.IsPositive() {
		// A reserve ratio is B per A; neither side is known to be the quote.
		out.Prices = append(out.Prices, domain.TokenPrice{
			Token:      token,
			Price:      reserveB.value.DivRound(reserveA.value, 18),
			Source:     domain.PriceSourceContract,
			Timestamp:  now,
			Confidence: domain.ConfidenceLow,
			Kind:       KindPoolRatio,
			Context:    fmt.Sprintf("reserveA=%s, reserveB=%s", reserveA.value, reserveB.value),
			Line:       reserveA.line,
		})
	}

	out.Patterns = DetectPatterns(code)
	return out, nil
}

type literal struct {
	value  decimal.Decimal
	scaled bool
	line   int
}

func parseLiteral(code string, m []int) (literal, error) {
	digits := strings.ReplaceAll(code[m[4]:m[5]], "_", "")
	v, err := decimal.NewFromString(digits)
	if err != nil {
		return literal{}, err
	}
	lit := literal{value: v, line: lineOf(code, m[0])}

	var exp string
	switch {
	case m[6] >= 0:
		exp = code[m[6]:m[7]]
	case m[8] >= 0:
		exp = code[m[8]:m[9]]
	}
	if exp != "" {
		var e int32
		if _, err := fmt.Sscanf(exp, "%d", &e); err != nil || e > 77 {
			return literal{}, fmt.Errorf("bad exponent %q", exp)
		}
		lit.value = lit.value.Shift(e)
		lit.scaled = true
	}
	if m[10] >= 0 {
		lit.value = lit.value.Shift(unitExp[code[m[10]:m[11]]])
		lit.scaled = true
	}
	return lit, nil
}

// classify decides whether an assignment to name is a price and how sure we
// are about it.
func classify(name string, scaled bool) (string, domain.Confidence, bool) {
	switch {
	case strings.HasSuffix(name, "price") && scaled:
		return KindHardcoded, domain.ConfidenceHigh, true
	case strings.HasSuffix(name, "price"):
		return KindSalePrice, domain.ConfidenceMedium, true
	case name == "rate" || strings.HasSuffix(name, "exchangerate"):
		return KindRate, domain.ConfidenceMedium, true
	}
	return "", "", false
}

// denominate turns a literal into a per-token price and its quote. Only an
// explicitly scaled price literal is read in the configured quote. A bare
// price is wei of the native asset per token, and a rate is tokens bought per
// native unit, so both are quoted in the native asset.
func (e *Extractor) denominate(kind string, v decimal.Decimal) (decimal.Decimal, string) {
	switch kind {
	case KindSalePrice:
		return v.Shift(-nativeDecimals), domain.QuoteNative
	case KindRate:
		return decimal.NewFromInt(1).DivRound(v, nativeDecimals), domain.QuoteNative
	}
	return v.Shift(-e.cfg.Decimals), e.cfg.Quote
}

func confidenceRank(c domain.Confidence) int {
	switch c {
	case domain.ConfidenceHigh:
		return 3
	case domain.ConfidenceMedium:
		return 2
	case domain.ConfidenceLow:
		return 1
	}
	return 0
}

// ParseConfidence maps a config string to a Confidence, defaulting to medium.
func ParseConfidence(s string) domain.Confidence {
	switch domain.Confidence(strings.ToLower(s)) {
	case domain.ConfidenceHigh:
		return domain.ConfidenceHigh
	case domain.ConfidenceLow:
		return domain.ConfidenceLow
	}
	return domain.ConfidenceMedium
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}

// stripComments blanks out // and /* */ comments while keeping offsets and
// line numbers intact. String literals are left alone.
func stripComments(src string) string {
	b := []byte(src)
	const (
		code = iota
		line
		block
		str
	)
	state := code
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch state {
		case code:
			switch {
			case c == '"' || c == '\'':
				state, quote = str, c
			case c == '/' && i+1 < len(b) && b[i+1] == '/':
				state = line
				b[i] = ' '
			case c == '/' && i+1 < len(b) && b[i+1] == '*':
				state = block
				b[i] = ' '
			}
		case line:
			if c == '\n' {
				state = code
			} else {
				b[i] = ' '
			}
		case block:
			if c == '*' && i+1 < len(b) && b[i+1] == '/' {
				b[i], b[i+1] = ' ', ' '
				i++
				state = code
			} else if c != '\n' {
				b[i] = ' '
			}
		case str:
			if c == '\\' {
				i++
			} else if c == quote {
				state = code
			}
		}
	}
	return string(b)
}
