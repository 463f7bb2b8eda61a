package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/econaudit/internal/arbitrage"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/extract"
	"github.com/alanyoungcy/econaudit/internal/metrics"
)

// Oracle is the market-price source the detector snapshots.
type Oracle interface {
	Quote(ctx context.Context, token string, chain domain.Chain, quote string) (domain.OracleQuote, error)
	NativePrice(ctx context.Context, chain domain.Chain) (domain.TokenPrice, error)
}

// GasPricer reports the current gas price of a chain.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// DetectorConfig configures the detection phase.
type DetectorConfig struct {
	Concurrency   int
	Quote         string
	MinConfidence domain.Confidence
	OracleTimeout time.Duration
	Fees          map[domain.Chain]arbitrage.FeeParams
	Limits        arbitrage.Limits
}

// Detector runs extraction, pricing, comparison and modeling for one
// contract.
type Detector struct {
	cfg        DetectorConfig
	extractor  *extract.Extractor
	oracle     Oracle
	gas        map[domain.Chain]GasPricer
	comparator *arbitrage.Comparator
	modeler    *arbitrage.Modeler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewDetector wires the detection components. gas may be nil, in which case
// the configured gas price is used.
func NewDetector(
	cfg DetectorConfig,
	extractor *extract.Extractor,
	oracle Oracle,
	gas map[domain.Chain]GasPricer,
	comparator *arbitrage.Comparator,
	modeler *arbitrage.Modeler,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Detector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Quote == "" {
		cfg.Quote = domain.QuoteUSD
	}
	if cfg.MinConfidence == "" {
		cfg.MinConfidence = domain.ConfidenceMedium
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 30 * time.Second
	}
	return &Detector{
		cfg:        cfg,
		extractor:  extractor,
		oracle:     oracle,
		gas:        gas,
		comparator: comparator,
		modeler:    modeler,
		metrics:    m,
		logger:     logger.With(slog.String("component", "detector")),
		now:        time.Now,
	}
}

// DetectRequest names the contract and tokens to analyse.
type DetectRequest struct {
	Chain  domain.Chain
	Target common.Address
	// Source is the contract's verified source; empty when unverified.
	Source string
	// Tokens defaults to the target itself.
	Tokens []string
	// ContractSupply caps modeled volume when positive.
	ContractSupply decimal.Decimal
}

// DetectionResult is the detection phase output.
type DetectionResult struct {
	Snapshot domain.Snapshot
	Tokens   []domain.TokenAnalysis
	Patterns []domain.Finding
	Fees     arbitrage.FeeParams
}

// Detect captures one price snapshot and evaluates every token against it.
// Per-token problems are reported in each token's outcome; an error is
// returned only when the caller's context ends.
func (d *Detector) Detect(ctx context.Context, req DetectRequest) (DetectionResult, error) {
	if req.Chain == "" {
		return DetectionResult{}, fmt.Errorf("pipeline: detect: chain required: %w", domain.ErrInvalidInput)
	}
	tokens := normalizeTokens(req.Tokens, req.Target)
	if len(tokens) == 0 {
		return DetectionResult{}, fmt.Errorf("pipeline: detect: no tokens: %w", domain.ErrInvalidInput)
	}

	owner := sourceOwner(tokens, req.Target)
	extractions := make(map[string]extract.Extraction, len(tokens))
	ext, extractErr := d.extractor.Extract(owner, req.Source)
	for _, tok := range tokens {
		switch {
		case extractErr != nil:
			extractions[tok] = extract.Extraction{Token: tok}
		case tok == owner:
			extractions[tok] = ext
		default:
			extractions[tok] = ext.AttributeTo(tok, req.Source, attributionWindow)
		}
	}

	snap, quoteErrs, err := d.capture(ctx, req.Chain, tokens, extractions)
	if err != nil {
		return DetectionResult{}, err
	}
	for tok, ext := range extractions {
		if len(ext.Prices) > 0 {
			snap.Contract[tok] = ext.Prices
		}
	}

	fees := d.fees(ctx, req.Chain, snap.Native)
	lim := d.cfg.Limits
	if req.ContractSupply.IsPositive() {
		lim.ContractSupply = req.ContractSupply
	}

	res := DetectionResult{Snapshot: snap, Fees: fees}
	for _, tok := range tokens {
		res.Tokens = append(res.Tokens, d.analyse(ctx, tok, snap, extractions[tok], extractErr, quoteErrs[tok], fees, lim))
	}
	res.Patterns = ext.Patterns
	return res, nil
}

// attributionWindow is how many lines from an address literal a price
// assignment may sit and still be read as that token's price.
const attributionWindow = 3

// sourceOwner picks the token the analysed source prices: the target when it
// was requested, or the only requested token. Other tokens only get prices
// the source names them next to. An empty owner means no token owns it.
func sourceOwner(tokens []string, target common.Address) string {
	if target != (common.Address{}) {
		for _, t := range tokens {
			if t == target.Hex() {
				return t
			}
		}
	}
	if len(tokens) == 1 {
		return tokens[0]
	}
	return ""
}

// capture queries the oracle for every token with bounded parallelism and
// freezes the answers into a snapshot.
func (d *Detector) capture(ctx context.Context, chain domain.Chain, tokens []string, extractions map[string]extract.Extraction) (domain.Snapshot, map[string]error, error) {
	snap := domain.Snapshot{
		ID:         uuid.NewString(),
		Chain:      chain,
		CapturedAt: d.now().UTC(),
		Contract:   make(map[string][]domain.TokenPrice),
		Market:     make(map[string]domain.OracleQuote),
	}
	quoteErrs := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, d.cfg.OracleTimeout)
		defer cancel()
		native, err := d.oracle.NativePrice(callCtx, chain)
		if err != nil {
			d.logger.WarnContext(ctx, "native price unavailable",
				slog.String("chain", string(chain)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		mu.Lock()
		snap.Native = native
		mu.Unlock()
		return nil
	})

	for _, tok := range tokens {
		if _, ok := extractions[tok].BestIn(d.cfg.MinConfidence, d.cfg.Quote); !ok {
			// No contract price to compare.
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, d.cfg.OracleTimeout)
			defer cancel()
			q, err := d.oracle.Quote(callCtx, tok, chain, d.cfg.Quote)
			d.metrics.OracleQuoted(string(chain), string(domain.Classify(err)))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				quoteErrs[tok] = err
				return nil
			}
			snap.Market[tok] = q
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("pipeline: capture snapshot: %w", err)
	}
	return snap, quoteErrs, nil
}

func (d *Detector) fees(ctx context.Context, chain domain.Chain, native domain.TokenPrice) arbitrage.FeeParams {
	fees := d.cfg.Fees[chain]
	if native.Price.IsPositive() {
		fees.NativeUSD = native.Price
		fees.Native = native
	}
	if gp, ok := d.gas[chain]; ok && gp != nil {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.OracleTimeout)
		defer cancel()
		price, err := gp.SuggestGasPrice(callCtx)
		if err != nil {
			d.logger.WarnContext(ctx, "gas price unavailable",
				slog.String("chain", string(chain)),
				slog.String("error", err.Error()),
			)
		} else {
			fees.GasPriceWei = price
		}
	}
	return fees
}

func (d *Detector) analyse(ctx context.Context, tok string, snap domain.Snapshot, ext extract.Extraction, extractErr, quoteErr error, fees arbitrage.FeeParams, lim arbitrage.Limits) domain.TokenAnalysis {
	ta := domain.TokenAnalysis{
		Token:          tok,
		ContractPrices: ext.Prices,
		Opportunities:  []domain.ArbitrageOpportunity{},
	}
	if extractErr != nil {
		ta.Detection = domain.OutcomeFromError(extractErr)
		return ta
	}

	contract, ok := ext.BestIn(d.cfg.MinConfidence, d.cfg.Quote)
	if !ok {
		if other, found := ext.Best(d.cfg.MinConfidence); found {
			ta.Detection = domain.OutcomeFromError(fmt.Errorf("pipeline: %s price quoted in %q, market in %q: %w",
				tok, other.Quote, d.cfg.Quote, domain.ErrNotComparable))
			return ta
		}
		ta.Detection = domain.Outcome{Status: domain.OutcomeNotApplicable, Reason: domain.ReasonNoPriceExtracted}
		return ta
	}
	quote, ok := snap.Market[tok]
	if !ok {
		if quoteErr == nil {
			quoteErr = domain.ErrNoPool
		}
		ta.Detection = domain.OutcomeFromError(quoteErr)
		return ta
	}
	ta.Market = &quote

	dev, err := d.comparator.Compare(contract, quote)
	if err != nil {
		ta.Detection = domain.OutcomeFromError(err)
		return ta
	}
	ta.Deviation = &dev
	d.metrics.DeviationSeen(string(dev.Severity), dev.Flagged())

	if !dev.Flagged() {
		ta.Detection = domain.Outcome{Status: domain.OutcomeOK, Reason: domain.ReasonBelowThreshold}
		return ta
	}
	d.logger.InfoContext(ctx, "price deviation flagged",
		slog.String("token", tok),
		slog.String("contract_price", dev.ContractPrice.Price.String()),
		slog.String("market_price", dev.MarketPrice.Price.String()),
		slog.String("deviation_pct", dev.DeviationPct.StringFixed(4)),
		slog.String("severity", string(dev.Severity)),
	)

	opps := d.modeler.Model(dev, fees, lim)
	for _, o := range opps {
		d.metrics.OpportunityModeled(o.Strategy.String(), o.Provisional)
	}
	if len(opps) == 0 {
		ta.Detection = domain.Outcome{Status: domain.OutcomeOK, Reason: domain.ReasonNoOpportunity}
		return ta
	}
	ta.Opportunities = opps
	ta.Detection = domain.OK()
	return ta
}

// normalizeTokens checksums addresses and drops duplicates, keeping order.
func normalizeTokens(tokens []string, target common.Address) []string {
	if len(tokens) == 0 && target != (common.Address{}) {
		tokens = []string{target.Hex()}
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if common.IsHexAddress(t) {
			t = common.HexToAddress(t).Hex()
		}
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
