package synth

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

//go:embed templates/*.sol.tmpl
var templateFS embed.FS

// templateData is what every exploit template is rendered with.
type templateData struct {
	ContractName  string
	Description   string
	Token         string
	Router        string
	WrappedNative string
	BuyFunction   string
	SellFunction  string
	// WithdrawFunction takes no arguments and pays out the caller's deposit.
	WithdrawFunction string
	BuyFromTarget    bool
	FeeBps           int64
	Iterations       int
}

// Template is one exploit skeleton and the inputs it cannot do without.
type Template struct {
	Kind  domain.VulnerabilityKind
	tmpl  *template.Template
	needs func(templateData) error
}

// Render fills the skeleton.
func (t *Template) Render(data templateData) (string, error) {
	if err := t.needs(data); err != nil {
		return "", fmt.Errorf("synth: template %s: %w", t.Kind, err)
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("synth: render %s: %w", t.Kind, err)
	}
	return b.String(), nil
}

// Registry holds the exploit templates by vulnerability kind.
type Registry struct {
	templates map[domain.VulnerabilityKind]*Template
	mu        sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add templates.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[domain.VulnerabilityKind]*Template)}
}

// DefaultRegistry loads the embedded templates.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	specs := []struct {
		kind  domain.VulnerabilityKind
		file  string
		needs func(templateData) error
	}{
		{domain.VulnPriceArbitrage, "price_arbitrage.sol.tmpl", needsRouter},
		{domain.VulnFlashLoanArbitrage, "flash_loan_arbitrage.sol.tmpl", needsRouter},
		{domain.VulnFixedPriceOracle, "fixed_price_oracle.sol.tmpl", needsRoundTrip},
		{domain.VulnReentrancy, "reentrancy.sol.tmpl", needsWithdraw},
	}
	for _, s := range specs {
		t, err := template.ParseFS(templateFS, "templates/"+s.file)
		if err != nil {
			return nil, fmt.Errorf("synth: parse %s: %w", s.file, err)
		}
		r.Register(&Template{Kind: s.kind, tmpl: t.Option("missingkey=error"), needs: s.needs})
	}
	return r, nil
}

// Register adds a template under its kind.
func (r *Registry) Register(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Kind] = t
}

// Get returns the template for kind or domain.ErrNoTemplate.
func (r *Registry) Get(kind domain.VulnerabilityKind) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("synth: no template for %q: %w", kind, domain.ErrNoTemplate)
	}
	return t, nil
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []domain.VulnerabilityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.VulnerabilityKind, 0, len(r.templates))
	for k := range r.templates {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func needsRouter(d templateData) error {
	if !isAddress(d.Router) || !isAddress(d.WrappedNative) || !isAddress(d.Token) {
		return fmt.Errorf("router, wrapped native and token required: %w", domain.ErrNoTemplate)
	}
	if d.BuyFromTarget && d.BuyFunction == "" {
		return fmt.Errorf("target buy function unknown: %w", domain.ErrNoTemplate)
	}
	if !d.BuyFromTarget && d.SellFunction == "" {
		return fmt.Errorf("target sell function unknown: %w", domain.ErrNoTemplate)
	}
	return nil
}

func needsRoundTrip(d templateData) error {
	if !isAddress(d.Token) {
		return fmt.Errorf("token required: %w", domain.ErrNoTemplate)
	}
	return needsEntryPoints(d)
}

func needsEntryPoints(d templateData) error {
	if d.BuyFunction == "" || d.SellFunction == "" {
		return fmt.Errorf("target buy and sell functions required: %w", domain.ErrNoTemplate)
	}
	return nil
}

func needsWithdraw(d templateData) error {
	if d.BuyFunction == "" || d.WithdrawFunction == "" {
		return fmt.Errorf("target deposit and withdraw functions required: %w", domain.ErrNoTemplate)
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
