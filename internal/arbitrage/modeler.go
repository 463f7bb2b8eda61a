package arbitrage

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// nativeScale is the precision of native-unit figures.
const nativeScale = 18

// opportunityNamespace scopes the content-derived opportunity IDs.
var opportunityNamespace = uuid.MustParse("6f1d2a3c-5b7e-4c1a-9d2f-8e0b1c4a7d63")

// Modeler turns a flagged deviation into concrete arbitrage opportunities.
type Modeler struct {
	kinds  []domain.StrategyKind
	logger *slog.Logger
}

// NewModeler creates a Modeler for the given strategies; none selects all.
func NewModeler(kinds []domain.StrategyKind, logger *slog.Logger) *Modeler {
	if len(kinds) == 0 {
		kinds = domain.StrategyKinds
	}
	return &Modeler{
		kinds:  kinds,
		logger: logger.With(slog.String("component", "arb_modeler")),
	}
}

// Model evaluates every enabled strategy against dev. Deviations below the
// threshold yield nothing. Opportunities whose net profit is not positive or
// below the configured minimum are discarded. The result is ordered by net
// profit, then strategy, then ID, so the same input gives the same output.
func (m *Modeler) Model(dev domain.PriceDeviation, fees FeeParams, lim Limits) []domain.ArbitrageOpportunity {
	if !dev.Flagged() || dev.Direction == domain.DirectionAtMarket {
		return nil
	}

	var candidates []domain.ArbitrageOpportunity
	for _, kind := range m.kinds {
		switch kind {
		case domain.StrategySimple:
			if opp, ok := simple(dev, fees, lim); ok {
				candidates = append(candidates, opp)
			}
		case domain.StrategyTriangular:
			candidates = append(candidates, triangular(dev, fees, lim)...)
		case domain.StrategyFlashLoan:
			candidates = append(candidates, flashLoan(dev, fees, lim)...)
		default:
			m.logger.Warn("unknown strategy skipped", slog.Int("kind", int(kind)))
		}
	}

	out := make([]domain.ArbitrageOpportunity, 0, len(candidates))
	for _, opp := range candidates {
		opp.NetProfit = opp.GrossProfit.Sub(opp.Fees.Total())
		if !opp.NetProfit.IsPositive() {
			continue
		}
		if lim.MinProfit.IsPositive() && opp.NetProfit.LessThan(lim.MinProfit) {
			continue
		}
		// Unknown fees make the net an upper bound, so the opportunity is
		// reported but not acted on.
		if !opp.Fees.Known() {
			opp.Provisional = true
		}
		opp.Severity = severityForProfit(opp.NetProfit)
		if rate, ok := fees.nativeRate(); ok && opp.Currency == rate.Quote {
			gross := opp.GrossProfit.DivRound(rate.Price, nativeScale)
			net := opp.NetProfit.DivRound(rate.Price, nativeScale)
			opp.GrossProfitNative, opp.NetProfitNative, opp.NativeRate = &gross, &net, &rate
		}
		opp.ID = opportunityID(opp)
		out = append(out, opp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].NetProfit.Cmp(out[j].NetProfit); c != 0 {
			return c > 0
		}
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func opportunityID(o domain.ArbitrageOpportunity) string {
	key := strings.Join([]string{
		o.Token,
		o.Strategy.String(),
		strings.Join(o.Path, ">"),
		o.InputAmount.String(),
		o.NetProfit.String(),
	}, "|")
	return uuid.NewSHA1(opportunityNamespace, []byte(key)).String()
}
