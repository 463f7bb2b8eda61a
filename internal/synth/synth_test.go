package synth

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/compiler"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/llm"
)

const verifierABI = `[
 {"inputs":[{"internalType":"address","name":"_target","type":"address"}],"stateMutability":"payable","type":"constructor"},
 {"inputs":[],"name":"verify","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"stateMutability":"payable","type":"receive"}
]`

const targetABI = `[
 {"inputs":[],"name":"buy","outputs":[],"stateMutability":"payable","type":"function"},
 {"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"sell","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[],"name":"price","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const generatedReply = "Here is the contract:\n```solidity\n" + `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.0;

interface ITarget { function buy() external payable; }

contract FlawVerifier {
    address public immutable target;
    constructor(address _target) payable { target = _target; }
    receive() external payable {}
    function verify() external returns (bool) { return address(this).balance > 0; }
}` + "\n```\nGood luck."

var (
	target = common.HexToAddress("0x1111111111111111111111111111111111111111")
	router = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
	wbnb   = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
)

type fakeCompiler struct {
	calls   int
	sources []string
	err     error
}

func (f *fakeCompiler) Compile(_ context.Context, source, name string) (compiler.Output, error) {
	f.calls++
	f.sources = append(f.sources, source)
	if f.err != nil {
		return compiler.Output{}, f.err
	}
	return compiler.Output{Name: name, ABI: verifierABI, Bytecode: []byte{0x60, 0x80}}, nil
}

type fakeGenerator struct {
	reply    string
	err      error
	messages []llm.Message
}

func (f *fakeGenerator) Chat(_ context.Context, messages []llm.Message) (string, error) {
	f.messages = messages
	return f.reply, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSynth(t *testing.T, policy Policy, gen Generator, comp Compiler) *Synthesizer {
	t.Helper()
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	s := New(Config{
		Policy: policy,
		Chains: map[domain.Chain]ChainInfo{"bsc": {Router: router, WrappedNative: wbnb}},
	}, reg, gen, comp, nil, testLogger())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func opportunityRef() domain.VulnerabilityRef {
	return domain.VulnerabilityRef{
		Opportunity: &domain.ArbitrageOpportunity{
			ID:        "opp-1",
			Token:     target.Hex(),
			Strategy:  domain.StrategySimple,
			NetProfit: decimal.NewFromInt(5000),
			Currency:  domain.QuoteUSD,
			Path:      []string{"contract", "pancakeswap_v2:0xpair"},
		},
	}
}

func targetIface() domain.TargetInterface {
	return domain.TargetInterface{Address: target, Chain: "bsc", ABI: targetABI}
}

func TestDefaultRegistry_Kinds(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Equal(t, []domain.VulnerabilityKind{
		domain.VulnFixedPriceOracle,
		domain.VulnFlashLoanArbitrage,
		domain.VulnPriceArbitrage,
		domain.VulnReentrancy,
	}, reg.List())

	_, err = reg.Get(domain.VulnAccessControl)
	assert.ErrorIs(t, err, domain.ErrNoTemplate)
}

func TestTemplate_RenderRequiresVenue(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	tmpl, err := reg.Get(domain.VulnPriceArbitrage)
	require.NoError(t, err)

	_, err = tmpl.Render(templateData{ContractName: "X", Token: target.Hex(), BuyFunction: "buy()", BuyFromTarget: true})
	assert.ErrorIs(t, err, domain.ErrNoTemplate)

	code, err := tmpl.Render(templateData{
		ContractName:  "X",
		Token:         target.Hex(),
		Router:        router.Hex(),
		WrappedNative: wbnb.Hex(),
		BuyFunction:   "buy()",
		BuyFromTarget: true,
	})
	require.NoError(t, err)
	assert.Contains(t, code, "contract X {")
	assert.Contains(t, code, `abi.encodeWithSignature("buy()")`)
	assert.Contains(t, code, router.Hex())
	assert.NotContains(t, code, "swapExactETHForTokensSupportingFeeOnTransferTokens{value")
}

func TestExtractSolidity(t *testing.T) {
	assert.True(t, strings.HasPrefix(ExtractSolidity(generatedReply), "// SPDX"))
	assert.Equal(t, "contract A {}", ExtractSolidity("```\ncontract A {}\n```"))
	assert.Equal(t, "contract A {}", ExtractSolidity("  contract A {}  "))
}

func TestCheckShape(t *testing.T) {
	name, err := CheckShape(ExtractSolidity(generatedReply))
	require.NoError(t, err)
	assert.Equal(t, "FlawVerifier", name)

	cases := map[string]string{
		"no pragma":   "contract A { function verify() external returns (bool) {} }",
		"no verify":   "pragma solidity ^0.8.0;\ncontract A { function run() external {} }",
		"two args":    "pragma solidity ^0.8.0;\ncontract A {\n constructor(address a, uint256 b) {}\n function verify() external returns (bool) {} }",
		"no contract": "pragma solidity ^0.8.0;\nfunction verify() returns (bool) {}",
	}
	for label, code := range cases {
		_, err := CheckShape(code)
		assert.ErrorIs(t, err, domain.ErrShapeRejected, label)
	}
}

func TestEntryPoints(t *testing.T) {
	e := EntryPoints(targetABI)
	assert.Equal(t, "buy()", e.Buy)
	assert.Equal(t, "sell(uint256)", e.Sell)
	assert.Equal(t, "withdraw()", e.Withdraw)

	assert.Equal(t, Entry{}, EntryPoints(""))
	assert.Equal(t, Entry{}, EntryPoints("not json"))
}

func TestSynthesize_TemplateFirstUsesTemplate(t *testing.T) {
	comp := &fakeCompiler{}
	gen := &fakeGenerator{reply: generatedReply}
	s := newTestSynth(t, PolicyTemplateFirst, gen, comp)

	art, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	require.NoError(t, err)

	assert.Equal(t, domain.GenerationTemplate, art.Method)
	assert.Equal(t, domain.VulnPriceArbitrage, art.Vulnerability)
	assert.Equal(t, templateContract, art.ContractName)
	assert.NotEmpty(t, art.ID)
	assert.True(t, art.Compiled())
	assert.Nil(t, gen.messages, "generator must not be consulted")

	require.Len(t, art.ConstructorArgs, 32)
	assert.Equal(t, target, common.BytesToAddress(art.ConstructorArgs))
}

func TestSynthesize_FallsBackToGenerator(t *testing.T) {
	comp := &fakeCompiler{}
	gen := &fakeGenerator{reply: generatedReply}
	s := newTestSynth(t, PolicyTemplateFirst, gen, comp)

	ref := domain.VulnerabilityRef{Finding: &domain.Finding{
		Kind:        domain.VulnAccessControl,
		Location:    "Token.sol:42",
		Description: "setPrice callable by anyone",
	}}
	art, err := s.Synthesize(context.Background(), ref, targetIface())
	require.NoError(t, err)

	assert.Equal(t, domain.GenerationSynthesized, art.Method)
	assert.Equal(t, "FlawVerifier", art.ContractName)
	require.Len(t, gen.messages, 2)
	assert.Contains(t, gen.messages[1].Content, "Token.sol:42")
	assert.Contains(t, gen.messages[1].Content, "CHAIN: BSC")
}

func TestSynthesize_RegenerationGetsNewID(t *testing.T) {
	s := newTestSynth(t, PolicyTemplateFirst, nil, &fakeCompiler{})
	a, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	require.NoError(t, err)
	b, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.Source, b.Source)
}

func TestSynthesize_TemplateOnlyWithoutTemplate(t *testing.T) {
	gen := &fakeGenerator{reply: generatedReply}
	s := newTestSynth(t, PolicyTemplateOnly, gen, &fakeCompiler{})

	ref := domain.VulnerabilityRef{Finding: &domain.Finding{Kind: domain.VulnAccessControl}}
	_, err := s.Synthesize(context.Background(), ref, targetIface())
	assert.ErrorIs(t, err, domain.ErrNoTemplate)
	assert.Nil(t, gen.messages)
}

func TestSynthesize_GeneratorOffline(t *testing.T) {
	s := newTestSynth(t, PolicyGeneratedOnly, nil, &fakeCompiler{})
	_, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	assert.ErrorIs(t, err, domain.ErrGeneratorOffline)
}

func TestSynthesize_ShapeRejectedNeverCompiled(t *testing.T) {
	comp := &fakeCompiler{}
	gen := &fakeGenerator{reply: "```solidity\npragma solidity ^0.8.0;\ncontract A { function run() external {} }\n```"}
	s := newTestSynth(t, PolicyGeneratedOnly, gen, comp)

	_, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	assert.ErrorIs(t, err, domain.ErrShapeRejected)
	assert.Zero(t, comp.calls)
}

func TestSynthesize_CompileFailureNotForwarded(t *testing.T) {
	comp := &fakeCompiler{err: domain.ErrCompileFailed}
	gen := &fakeGenerator{reply: generatedReply}
	s := newTestSynth(t, PolicyTemplateFirst, gen, comp)

	art, err := s.Synthesize(context.Background(), opportunityRef(), targetIface())
	assert.ErrorIs(t, err, domain.ErrCompileFailed)
	assert.Empty(t, art.ID)
	assert.Equal(t, 2, comp.calls, "template then generated code")
}

func TestSynthesize_RejectsEmptyInput(t *testing.T) {
	s := newTestSynth(t, PolicyTemplateFirst, nil, &fakeCompiler{})
	_, err := s.Synthesize(context.Background(), domain.VulnerabilityRef{}, targetIface())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Synthesize(context.Background(), opportunityRef(), domain.TargetInterface{Chain: "bsc"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyTemplateFirst, p)

	_, err = ParsePolicy("always_llm")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// Every embedded template must compile with a real solc.
func TestTemplates_CompileWithSolc(t *testing.T) {
	solc := compiler.NewSolc("", "", 0)
	if !solc.Available() {
		t.Skip("solc not installed")
	}
	s := newTestSynth(t, PolicyTemplateOnly, nil, solc)

	refs := map[string]domain.VulnerabilityRef{
		"price":      opportunityRef(),
		"flash_loan": {Opportunity: &domain.ArbitrageOpportunity{Token: target.Hex(), Strategy: domain.StrategyFlashLoan, Path: []string{"flash_loan", "pool", "contract", "repay"}}},
		"fixed":      {Finding: &domain.Finding{Kind: domain.VulnFixedPriceOracle, Location: "L1"}},
		"reentrancy": {Finding: &domain.Finding{Kind: domain.VulnReentrancy, Location: "L2"}},
	}
	for label, ref := range refs {
		art, err := s.Synthesize(context.Background(), ref, targetIface())
		require.NoError(t, err, label)
		assert.True(t, art.Compiled(), label)
		assert.Len(t, art.ConstructorArgs, 32, label)
	}
}
