package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/executor"
	"github.com/alanyoungcy/econaudit/internal/fork"
)

// Synthesizer produces exploit artifacts.
type Synthesizer interface {
	Synthesize(ctx context.Context, ref domain.VulnerabilityRef, iface domain.TargetInterface) (domain.ExploitArtifact, error)
}

// Forks opens scoped fork sessions.
type Forks interface {
	WithSession(ctx context.Context, chain domain.Chain, block uint64, fn func(context.Context, *fork.Session) error) error
}

// Executor runs an artifact on a fork.
type Executor interface {
	Execute(ctx context.Context, art domain.ExploitArtifact, f executor.Fork, req executor.Request) (domain.ExecutionResult, error)
}

// Accountant turns an execution into a profit report.
type Accountant interface {
	Account(res domain.ExecutionResult, native domain.TokenPrice, gasPrice, capital *big.Int) domain.ProfitReport
}

// FidelityChecker verifies a fresh fork against upstream before use.
type FidelityChecker interface {
	Check(ctx context.Context, s *fork.Session, accounts ...common.Address) error
}

// ValidateRequest describes one vulnerability to prove on a fork.
type ValidateRequest struct {
	Chain domain.Chain
	Iface domain.TargetInterface
	Ref   domain.VulnerabilityRef
	// Block pins the fork; zero forks at the upstream head.
	Block uint64
	// Native is the USD rate used to price the result.
	Native  domain.TokenPrice
	Capital *big.Int
}

// Validator runs synthesize, fork, execute and account for one
// vulnerability.
type Validator struct {
	synth      Synthesizer
	forks      Forks
	exec       Executor
	accountant Accountant
	fidelity   FidelityChecker
	cache      *ResultCache
	logger     *slog.Logger
}

// NewValidator wires the validation components. fidelity and cache may be
// nil.
func NewValidator(s Synthesizer, forks Forks, exec Executor, acct Accountant, fidelity FidelityChecker, cache *ResultCache, logger *slog.Logger) *Validator {
	return &Validator{
		synth:      s,
		forks:      forks,
		exec:       exec,
		accountant: acct,
		fidelity:   fidelity,
		cache:      cache,
		logger:     logger.With(slog.String("component", "validator")),
	}
}

// Validate proves or refutes one vulnerability. The returned Validation
// always carries an outcome; the error is set when a stage could not run.
// A reverted or unprofitable exploit is a negative outcome, not an error.
func (v *Validator) Validate(ctx context.Context, req ValidateRequest) (domain.Validation, error) {
	out := domain.Validation{Vulnerability: req.Ref}
	if req.Chain == "" || req.Ref.Kind() == "" {
		err := fmt.Errorf("pipeline: validate: chain and vulnerability required: %w", domain.ErrInvalidInput)
		out.Outcome = domain.OutcomeFromError(err)
		return out, err
	}

	key := validationKey(req)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			v.logger.DebugContext(ctx, "validation cached", slog.String("key", key))
			return cached, nil
		}
	}

	log := v.logger.With(
		slog.String("chain", string(req.Chain)),
		slog.String("target", req.Iface.Address.Hex()),
		slog.String("kind", string(req.Ref.Kind())),
	)

	art, err := v.synth.Synthesize(ctx, req.Ref, req.Iface)
	if err != nil {
		out.Outcome = domain.OutcomeFromError(err)
		log.WarnContext(ctx, "synthesis failed", slog.String("reason", string(out.Outcome.Reason)))
		return out, fmt.Errorf("pipeline: synthesize: %w", err)
	}
	out.Artifact = &art

	var res domain.ExecutionResult
	err = v.forks.WithSession(ctx, req.Chain, req.Block, func(ctx context.Context, s *fork.Session) error {
		if v.fidelity != nil {
			if err := v.fidelity.Check(ctx, s, req.Iface.Address); err != nil {
				return err
			}
		}
		r, err := v.exec.Execute(ctx, art, s, executor.Request{Capital: req.Capital})
		res = r
		return err
	})
	if err != nil {
		out.Outcome = domain.OutcomeFromError(err)
		log.WarnContext(ctx, "execution failed",
			slog.String("artifact", art.ID),
			slog.String("reason", string(out.Outcome.Reason)),
		)
		return out, fmt.Errorf("pipeline: execute: %w", err)
	}
	out.Execution = &res

	report := v.accountant.Account(res, req.Native, nil, res.Capital)
	out.Profit = &report

	switch {
	case report.Exploitable:
		out.Outcome = domain.OK()
		log.InfoContext(ctx, "exploit validated",
			slog.String("artifact", art.ID),
			slog.String("net_profit", report.NetProfitNative.String()),
			slog.String("profit_usd", report.ProfitUSD.StringFixed(2)),
			slog.String("severity", string(report.Severity)),
		)
	case !res.Success:
		out.Outcome = domain.Outcome{Status: domain.OutcomeNegative, Reason: domain.ReasonExecutionReverted, Detail: res.RevertReason}
	default:
		out.Outcome = domain.Outcome{Status: domain.OutcomeNegative, Reason: domain.ReasonNotProfitable}
	}

	if v.cache != nil {
		v.cache.Put(key, out)
	}
	return out, nil
}
