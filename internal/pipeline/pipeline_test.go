package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/econaudit/internal/arbitrage"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/executor"
	"github.com/alanyoungcy/econaudit/internal/extract"
	"github.com/alanyoungcy/econaudit/internal/fork"
	"github.com/alanyoungcy/econaudit/internal/profit"
	"github.com/alanyoungcy/econaudit/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fixedSale = `pragma solidity ^0.8.0;

contract FixedSale {
    uint256 public price = 5 * 10**18;

    function buy() external payable {}
}
`

var (
	target = common.HexToAddress("0x2222222222222222222222222222222222222222")
	ether  = big.NewInt(1e18)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOracle struct {
	mu     sync.Mutex
	quotes map[string]domain.OracleQuote
	errs   map[string]error
	calls  int
}

func (f *fakeOracle) Quote(ctx context.Context, token string, chain domain.Chain, quote string) (domain.OracleQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return domain.OracleQuote{}, err
	}
	if err, ok := f.errs[token]; ok {
		return domain.OracleQuote{}, err
	}
	q, ok := f.quotes[token]
	if !ok {
		return domain.OracleQuote{}, domain.ErrNoPool
	}
	return q, nil
}

func (f *fakeOracle) NativePrice(context.Context, domain.Chain) (domain.TokenPrice, error) {
	return domain.TokenPrice{Token: "WBNB", Quote: domain.QuoteUSD, Price: d("300"), Source: domain.PriceSourceOracle}, nil
}

func marketQuote(token, price, liquidity string) domain.OracleQuote {
	return domain.OracleQuote{
		Token: token,
		Chain: "bsc",
		Quote: domain.QuoteUSD,
		Prices: []domain.TokenPrice{{
			Token:     token,
			Quote:     domain.QuoteUSD,
			Price:     d(price),
			Source:    domain.PriceSourceOracle,
			PoolID:    "pancakeswap_v2:0xa1",
			Liquidity: d(liquidity),
		}},
	}
}

func newDetector(o Oracle) *Detector {
	return NewDetector(DetectorConfig{
		Fees: map[domain.Chain]arbitrage.FeeParams{"bsc": {
			DEXFeeBps:       d("25"),
			FlashLoanFeeBps: d("9"),
			GasPriceWei:     big.NewInt(5_000_000_000),
			GasUnits:        arbitrage.GasUnits{Simple: 150_000, Triangular: 250_000, FlashLoan: 450_000},
		}},
		Limits: arbitrage.DefaultLimits(),
	},
		extract.New(extract.Config{}),
		o,
		nil,
		arbitrage.NewComparator(decimal.Zero),
		arbitrage.NewModeler([]domain.StrategyKind{domain.StrategySimple}, testLogger()),
		nil,
		testLogger(),
	)
}

func TestDetect_FiveVersusFiftyNine(t *testing.T) {
	o := &fakeOracle{quotes: map[string]domain.OracleQuote{target.Hex(): marketQuote(target.Hex(), "59", "59000")}}

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: fixedSale})
	require.NoError(t, err)
	require.Len(t, res.Tokens, 1)

	ta := res.Tokens[0]
	assert.Equal(t, domain.OutcomeOK, ta.Detection.Status)
	require.NotNil(t, ta.Deviation)
	assert.True(t, ta.Deviation.DeviationPct.Equal(d("10.8")), "got %s", ta.Deviation.DeviationPct)
	assert.Equal(t, domain.DirectionUnderpriced, ta.Deviation.Direction)
	require.NotEmpty(t, ta.Opportunities)
	assert.True(t, ta.Opportunities[0].Actionable())

	assert.NotEmpty(t, res.Snapshot.ID)
	assert.Contains(t, res.Snapshot.Market, target.Hex())
	assert.True(t, res.Fees.NativeUSD.Equal(d("300")))
}

func TestDetect_NoPriceExtractedSkipsOracle(t *testing.T) {
	o := &fakeOracle{}
	src := "pragma solidity ^0.8.0;\ncontract Plain { function f() external {} }"

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: src})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeNotApplicable, res.Tokens[0].Detection.Status)
	assert.Equal(t, domain.ReasonNoPriceExtracted, res.Tokens[0].Detection.Reason)
	assert.Zero(t, o.calls)
	assert.Empty(t, res.Tokens[0].Opportunities)
}

func TestDetect_NoPool(t *testing.T) {
	res, err := newDetector(&fakeOracle{}).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: fixedSale})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Tokens[0].Detection.Status)
	assert.Equal(t, domain.ReasonNoPool, res.Tokens[0].Detection.Reason)
}

func TestDetect_TransientQuoteFailureIsRecorded(t *testing.T) {
	o := &fakeOracle{errs: map[string]error{target.Hex(): domain.ErrRPCTimeout}}

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: fixedSale})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, res.Tokens[0].Detection.Status)
	assert.Equal(t, domain.ReasonRPCTimeout, res.Tokens[0].Detection.Reason)
}

func TestDetect_AtMarketIsBelowThreshold(t *testing.T) {
	o := &fakeOracle{quotes: map[string]domain.OracleQuote{target.Hex(): marketQuote(target.Hex(), "5.01", "59000")}}

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: fixedSale})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, res.Tokens[0].Detection.Status)
	assert.Equal(t, domain.ReasonBelowThreshold, res.Tokens[0].Detection.Reason)
	assert.Empty(t, res.Tokens[0].Opportunities)
}

func TestDetect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDetector(&fakeOracle{}).Detect(ctx, DetectRequest{Chain: "bsc", Target: target, Source: fixedSale})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect_CrowdsaleRateIsNotComparedWithUSD(t *testing.T) {
	o := &fakeOracle{quotes: map[string]domain.OracleQuote{target.Hex(): marketQuote(target.Hex(), "1", "59000")}}
	src := "contract Crowdsale { uint256 public rate = 1000; }"

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{Chain: "bsc", Target: target, Source: src})
	require.NoError(t, err)

	ta := res.Tokens[0]
	assert.Equal(t, domain.OutcomeNotApplicable, ta.Detection.Status)
	assert.Equal(t, domain.ReasonNotComparable, ta.Detection.Reason)
	assert.Nil(t, ta.Deviation)
	assert.Empty(t, ta.Opportunities)
	assert.Zero(t, o.calls)

	require.Len(t, ta.ContractPrices, 1)
	assert.Equal(t, domain.QuoteNative, ta.ContractPrices[0].Quote)
	assert.True(t, ta.ContractPrices[0].Price.Equal(d("0.001")))
}

func TestDetect_PricesStayWithTheirToken(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333").Hex()
	o := &fakeOracle{quotes: map[string]domain.OracleQuote{
		target.Hex(): marketQuote(target.Hex(), "59", "59000"),
		other:        marketQuote(other, "1", "59000"),
	}}

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{
		Chain: "bsc", Target: target, Source: fixedSale, Tokens: []string{target.Hex(), other},
	})
	require.NoError(t, err)
	require.Len(t, res.Tokens, 2)

	assert.NotNil(t, res.Tokens[0].Deviation)
	assert.NotEmpty(t, res.Tokens[0].Opportunities)

	got := res.Tokens[1]
	assert.Equal(t, other, got.Token)
	assert.Equal(t, domain.ReasonNoPriceExtracted, got.Detection.Reason)
	assert.Nil(t, got.Deviation)
	assert.Empty(t, got.ContractPrices)
	assert.Empty(t, got.Opportunities)
	assert.NotContains(t, res.Snapshot.Contract, other)
	assert.NotContains(t, res.Snapshot.Market, other)
}

func TestDetect_PriceNamedByAddress(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333").Hex()
	src := `contract Listing {
    address constant USDX = 0x3333333333333333333333333333333333333333;
    uint256 public usdxPrice = 1 * 10**18;

    function buy() external payable {}
}`
	o := &fakeOracle{quotes: map[string]domain.OracleQuote{other: marketQuote(other, "1", "59000")}}

	res, err := newDetector(o).Detect(context.Background(), DetectRequest{
		Chain: "bsc", Target: target, Source: src, Tokens: []string{target.Hex(), other},
	})
	require.NoError(t, err)

	got := res.Tokens[1]
	require.NotNil(t, got.Deviation)
	assert.Equal(t, other, got.Deviation.ContractPrice.Token)
	assert.Equal(t, domain.ReasonBelowThreshold, got.Detection.Reason)
}

func TestNormalizeTokens(t *testing.T) {
	lower := "0x2222222222222222222222222222222222222222"
	got := normalizeTokens([]string{lower, " " + lower + " ", "SYM", ""}, common.Address{})
	assert.Equal(t, []string{target.Hex(), "SYM"}, got)
	assert.Equal(t, []string{target.Hex()}, normalizeTokens(nil, target))
}

type fakeSynth struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface) (domain.ExploitArtifact, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return domain.ExploitArtifact{}, f.err
	}
	return domain.ExploitArtifact{
		ID:            "art-" + string(rune('0'+n)),
		Target:        iface.Address,
		Chain:         iface.Chain,
		Vulnerability: ref.Kind(),
		Method:        domain.GenerationTemplate,
		ContractName:  "ExploitVerifier",
		Bytecode:      []byte{0x00},
	}, nil
}

type fakeForks struct {
	opened atomic.Int32
	err    error
}

func (f *fakeForks) WithSession(ctx context.Context, _ domain.Chain, _ uint64, fn func(context.Context, *fork.Session) error) error {
	f.opened.Add(1)
	if f.err != nil {
		return f.err
	}
	return fn(ctx, &fork.Session{})
}

type fakeExec struct {
	res domain.ExecutionResult
	err error
}

func (f *fakeExec) Execute(_ context.Context, art domain.ExploitArtifact, fk executor.Fork, req executor.Request) (domain.ExecutionResult, error) {
	res := f.res
	res.ArtifactID = art.ID
	res.Fork = fk.Info()
	res.Fork.Chain = "bsc"
	if req.Capital != nil {
		res.Capital = req.Capital
	}
	return res, f.err
}

type failingFidelity struct{}

func (failingFidelity) Check(context.Context, *fork.Session, ...common.Address) error {
	return errors.Join(errors.New("balance differs"), domain.ErrForkUnavailable)
}

func profitable() domain.ExecutionResult {
	return domain.ExecutionResult{
		Success:        true,
		InitialBalance: new(big.Int).Set(ether),
		FinalBalance:   new(big.Int).Mul(big.NewInt(6), ether),
		Capital:        new(big.Int).Set(ether),
		GasUsed:        100_000,
		GasPrice:       big.NewInt(1_000_000_000),
	}
}

func reverted() domain.ExecutionResult {
	return domain.ExecutionResult{
		Success:        false,
		InitialBalance: new(big.Int).Set(ether),
		FinalBalance:   new(big.Int).Set(ether),
		GasUsed:        50_000,
		GasPrice:       big.NewInt(1_000_000_000),
		RevertReason:   "price too low",
	}
}

func findingRequest() ValidateRequest {
	return ValidateRequest{
		Chain:  "bsc",
		Iface:  domain.TargetInterface{Address: target, Chain: "bsc"},
		Ref:    domain.VulnerabilityRef{Finding: &domain.Finding{Kind: domain.VulnFixedPriceOracle, Location: "FixedSale.sol:4"}},
		Native: domain.TokenPrice{Quote: domain.QuoteUSD, Price: d("300")},
	}
}

func newValidator(s Synthesizer, f Forks, e Executor, fid FidelityChecker, cache *ResultCache) *Validator {
	return NewValidator(s, f, e, profit.NewAccountant(map[domain.Chain]string{"bsc": "BNB"}), fid, cache, testLogger())
}

func TestValidate_Exploitable(t *testing.T) {
	v := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{res: profitable()}, nil, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, out.Outcome.Status)
	require.NotNil(t, out.Artifact)
	require.NotNil(t, out.Execution)
	require.NotNil(t, out.Profit)
	assert.True(t, out.Profit.Exploitable)
	assert.Equal(t, "BNB", out.Profit.NativeSymbol)
	assert.True(t, out.Profit.ProfitUSD.IsPositive())
	assert.Equal(t, out.Artifact.ID, out.Execution.ArtifactID)
}

func TestValidate_RevertIsNegative(t *testing.T) {
	v := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{res: reverted()}, nil, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNegative, out.Outcome.Status)
	assert.Equal(t, domain.ReasonExecutionReverted, out.Outcome.Reason)
	assert.Equal(t, "price too low", out.Outcome.Detail)
	assert.False(t, out.Profit.Exploitable)
}

func TestValidate_SuccessWithoutProfitIsNegative(t *testing.T) {
	res := profitable()
	res.FinalBalance = new(big.Int).Set(res.InitialBalance)
	v := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{res: res}, nil, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotProfitable, out.Outcome.Reason)
}

func TestValidate_SynthesisFailureSkipsFork(t *testing.T) {
	forks := &fakeForks{}
	v := newValidator(&fakeSynth{err: domain.ErrNoTemplate}, forks, &fakeExec{}, nil, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	assert.ErrorIs(t, err, domain.ErrNoTemplate)
	assert.Equal(t, domain.OutcomeNegative, out.Outcome.Status)
	assert.Equal(t, domain.ReasonNoTemplate, out.Outcome.Reason)
	assert.Zero(t, forks.opened.Load())
}

func TestValidate_ForkFailure(t *testing.T) {
	v := newValidator(&fakeSynth{}, &fakeForks{err: domain.ErrForkStartTimeout}, &fakeExec{}, nil, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	assert.ErrorIs(t, err, domain.ErrForkStartTimeout)
	assert.Equal(t, domain.OutcomeFailed, out.Outcome.Status)
	assert.Equal(t, domain.ReasonForkStartTimeout, out.Outcome.Reason)
	assert.NotNil(t, out.Artifact)
	assert.Nil(t, out.Execution)
}

func TestValidate_FidelityFailureStopsExecution(t *testing.T) {
	v := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{res: profitable()}, failingFidelity{}, nil)

	out, err := v.Validate(context.Background(), findingRequest())
	assert.ErrorIs(t, err, domain.ErrForkUnavailable)
	assert.Equal(t, domain.ReasonForkUnavailable, out.Outcome.Reason)
	assert.Nil(t, out.Execution)
}

func TestValidate_CachedResultReused(t *testing.T) {
	s := &fakeSynth{}
	v := newValidator(s, &fakeForks{}, &fakeExec{res: profitable()}, nil, NewResultCache(time.Minute))

	first, err := v.Validate(context.Background(), findingRequest())
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), findingRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(1), s.calls.Load())
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
}

func TestValidate_CacheKeyedOnCapitalAndRate(t *testing.T) {
	s := &fakeSynth{}
	v := newValidator(s, &fakeForks{}, &fakeExec{res: profitable()}, nil, NewResultCache(time.Minute))

	base := findingRequest()
	base.Capital = new(big.Int).Set(ether)
	first, err := v.Validate(context.Background(), base)
	require.NoError(t, err)

	moreCapital := findingRequest()
	moreCapital.Capital = new(big.Int).Mul(ether, big.NewInt(2))
	second, err := v.Validate(context.Background(), moreCapital)
	require.NoError(t, err)

	newRate := findingRequest()
	newRate.Capital = new(big.Int).Set(ether)
	newRate.Native.Price = d("600")
	third, err := v.Validate(context.Background(), newRate)
	require.NoError(t, err)

	assert.Equal(t, int32(3), s.calls.Load())
	require.NotNil(t, first.Profit)
	require.NotNil(t, second.Profit)
	require.NotNil(t, third.Profit)
	assert.True(t, first.Profit.ROIPercent.GreaterThan(second.Profit.ROIPercent))
	assert.True(t, third.Profit.ProfitUSD.Equal(first.Profit.ProfitUSD.Mul(d("2"))),
		"first %s third %s", first.Profit.ProfitUSD, third.Profit.ProfitUSD)
}

func TestValidate_RejectsEmptyReference(t *testing.T) {
	v := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{}, nil, nil)
	req := findingRequest()
	req.Ref = domain.VulnerabilityRef{}

	_, err := v.Validate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResultCache_ExpiresAndKeepsOnlyConclusive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewResultCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Put("ok", domain.Validation{Outcome: domain.OK()})
	c.Put("failed", domain.Validation{Outcome: domain.Outcome{Status: domain.OutcomeFailed, Reason: domain.ReasonRPCTimeout}})
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("ok")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("ok")
	assert.False(t, ok)

	c.Put("again", domain.Validation{Outcome: domain.Outcome{Status: domain.OutcomeNegative}})
	now = now.Add(2 * time.Minute)
	c.Cleanup()
	assert.Zero(t, c.Len())
}

type fakeFetcher struct {
	contract source.Contract
	err      error
}

func (f fakeFetcher) Fetch(context.Context, domain.Chain, common.Address) (source.Contract, error) {
	return f.contract, f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (s *recordingSink) Publish(_ context.Context, ev domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func auditOracle() *fakeOracle {
	return &fakeOracle{quotes: map[string]domain.OracleQuote{target.Hex(): marketQuote(target.Hex(), "59", "59000")}}
}

func TestAudit_DetectAndValidate(t *testing.T) {
	sink := &recordingSink{}
	fetcher := fakeFetcher{contract: source.Contract{Name: "FixedSale", Source: fixedSale}}
	validator := newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{res: profitable()}, nil, nil)
	o := NewOrchestrator(OrchestratorConfig{}, fetcher, newDetector(auditOracle()), validator, sink, nil, testLogger())

	res, err := o.Audit(context.Background(), AuditRequest{
		Chain:    "bsc",
		Target:   target,
		Validate: true,
		Findings: []domain.Finding{{Kind: domain.VulnReentrancy, Location: "FixedSale.sol:9"}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, domain.OutcomeOK, res.Source.Status)
	assert.Equal(t, domain.OutcomeOK, res.Validation.Status)
	require.Len(t, res.Tokens, 1)
	require.NotEmpty(t, res.Tokens[0].Validations)
	assert.Equal(t, domain.OutcomeOK, res.Tokens[0].Validations[0].Outcome.Status)
	require.NotEmpty(t, res.Findings)
	assert.Equal(t, domain.VulnReentrancy, res.Findings[0].Vulnerability.Kind())
	assert.False(t, res.CompletedAt.Before(res.StartedAt))

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, domain.EventAuditStarted, types[0])
	assert.Equal(t, domain.EventAuditCompleted, types[len(types)-1])
	assert.Contains(t, types, domain.EventDeviationFlagged)
	assert.Contains(t, types, domain.EventExploitValidated)
}

func TestAudit_DetectionSurvivesValidationFailure(t *testing.T) {
	validator := newValidator(&fakeSynth{}, &fakeForks{err: domain.ErrToolingMissing}, &fakeExec{}, nil, nil)
	o := NewOrchestrator(OrchestratorConfig{}, nil, newDetector(auditOracle()), validator, nil, nil, testLogger())

	res, err := o.Audit(context.Background(), AuditRequest{Chain: "bsc", Target: target, Source: fixedSale, Validate: true})
	require.NoError(t, err)

	require.Len(t, res.Tokens, 1)
	assert.NotNil(t, res.Tokens[0].Deviation)
	assert.NotEmpty(t, res.Tokens[0].Opportunities)
	assert.Equal(t, domain.OutcomeFailed, res.Validation.Status)
	assert.Equal(t, domain.ReasonToolingMissing, res.Validation.Reason)
}

func TestAudit_UnverifiedSourceContinues(t *testing.T) {
	fetcher := fakeFetcher{err: domain.ErrSourceUnavailable}
	o := NewOrchestrator(OrchestratorConfig{}, fetcher, newDetector(auditOracle()), nil, nil, nil, testLogger())

	res, err := o.Audit(context.Background(), AuditRequest{Chain: "bsc", Target: target})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Source.Status)
	assert.Equal(t, domain.ReasonSourceUnavailable, res.Source.Reason)
	assert.Equal(t, domain.ReasonNoPriceExtracted, res.Tokens[0].Detection.Reason)
	assert.Equal(t, domain.OutcomeSkipped, res.Validation.Status)
}

func TestAudit_NothingToValidate(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{}, nil, newDetector(&fakeOracle{}), newValidator(&fakeSynth{}, &fakeForks{}, &fakeExec{}, nil, nil), nil, nil, testLogger())

	res, err := o.Audit(context.Background(), AuditRequest{Chain: "bsc", Target: target, Source: "contract Empty {}", Validate: true})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Validation.Status)
}

func TestAudit_InvalidInput(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{}, nil, newDetector(&fakeOracle{}), nil, nil, nil, testLogger())
	_, err := o.Audit(context.Background(), AuditRequest{Chain: "bsc"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNextCronTime(t *testing.T) {
	// Sunday.
	after := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"30 9-17/4 * * *", time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)},
		{"0 0 * * 1-5", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 7", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"0 0 15 * 3", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			next, err := nextCronTime(tc.expr, after)
			require.NoError(t, err)
			assert.Equal(t, tc.want, next)
		})
	}

	for _, bad := range []string{"*/0 * * * *", "60 * * * *", "5-1 * * * *", "* * *", "0 0 31 2 *"} {
		_, err := nextCronTime(bad, after)
		assert.Error(t, err, bad)
	}
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]domain.AuditResult
}

func (m *memRuns) Save(_ context.Context, r domain.AuditResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *memRuns) GetByID(_ context.Context, id string) (domain.AuditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.AuditResult{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memRuns) ListRecent(context.Context, domain.ListOpts) ([]domain.AuditSummary, error) {
	return nil, nil
}

func (m *memRuns) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.AuditSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditSummary
	for _, r := range m.runs {
		if r.CompletedAt.Before(cutoff) && len(out) < limit {
			out = append(out, domain.AuditSummary{ID: r.ID})
		}
	}
	return out, nil
}

func (m *memRuns) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

type memBlob struct {
	archived []string
	stored   map[string]bool
	fail     string
}

func (b *memBlob) ResultKey(r domain.AuditResult) string { return "audits/" + r.ID + ".json" }

func (b *memBlob) EvidencePrefixes(string) []string { return nil }

func (b *memBlob) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

func (b *memBlob) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (b *memBlob) Exists(_ context.Context, p string) (bool, error) { return b.stored[p], nil }

func (b *memBlob) ArchiveArtifact(context.Context, string, domain.ExploitArtifact) (string, error) {
	return "", nil
}

func (b *memBlob) ArchiveTrace(context.Context, string, domain.ExecutionResult) (string, error) {
	return "", nil
}

func (b *memBlob) ArchiveResult(_ context.Context, r domain.AuditResult) (string, error) {
	if r.ID == b.fail {
		return "", errors.New("upload failed")
	}
	b.archived = append(b.archived, r.ID)
	return "audits/" + r.ID + ".json", nil
}

func TestArchiver_MovesExpiredRuns(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	runs := &memRuns{runs: map[string]domain.AuditResult{
		"old":    {ID: "old", CompletedAt: now.Add(-40 * 24 * time.Hour)},
		"broken": {ID: "broken", CompletedAt: now.Add(-40 * 24 * time.Hour)},
		"fresh":  {ID: "fresh", CompletedAt: now.Add(-time.Hour)},
	}}
	blob := &memBlob{fail: "broken"}
	a := NewArchiver(runs, blob, 30, testLogger())
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, blob.archived)
	assert.Contains(t, runs.runs, "broken")
	assert.Contains(t, runs.runs, "fresh")
	assert.NotContains(t, runs.runs, "old")
}

func TestArchiver_SkipsStoredResults(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	runs := &memRuns{runs: map[string]domain.AuditResult{
		"uploaded": {ID: "uploaded", CompletedAt: now.Add(-40 * 24 * time.Hour)},
	}}
	blob := &memBlob{stored: map[string]bool{"audits/uploaded.json": true}}
	a := NewArchiver(runs, blob, 30, testLogger(), WithExistingCheck(blob))
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, blob.archived)
	assert.Empty(t, runs.runs)
}

type busyLocks struct{}

func (busyLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestArchiver_LockHeldElsewhere(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	runs := &memRuns{runs: map[string]domain.AuditResult{
		"old": {ID: "old", CompletedAt: now.Add(-40 * 24 * time.Hour)},
	}}
	blob := &memBlob{}
	a := NewArchiver(runs, blob, 30, testLogger(), WithArchiveLock(busyLocks{}))
	a.now = func() time.Time { return now }

	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, runs.runs, "old")
}
