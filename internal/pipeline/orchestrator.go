// Package pipeline runs an audit end to end: source fetch, detection,
// and optional validation of every actionable finding on a fork.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/metrics"
	"github.com/alanyoungcy/econaudit/internal/source"
)

// SourceFetcher downloads verified contract source.
type SourceFetcher interface {
	Fetch(ctx context.Context, chain domain.Chain, addr common.Address) (source.Contract, error)
}

// EventSink receives progress events. Publish must not block for long.
type EventSink interface {
	Publish(ctx context.Context, ev domain.AuditEvent)
}

// OrchestratorConfig bounds an audit.
type OrchestratorConfig struct {
	AuditTimeout time.Duration
	// Concurrency bounds parallel validations.
	Concurrency int
	// MaxPerToken caps validated opportunities per token.
	MaxPerToken int
}

// AuditRequest is one contract to audit.
type AuditRequest struct {
	ID     string
	Chain  domain.Chain
	Target common.Address
	Tokens []string
	// Source overrides the explorer lookup when set.
	Source         string
	ABI            string
	Validate       bool
	Findings       []domain.Finding
	Block          uint64
	ContractSupply decimal.Decimal
	Capital        *big.Int
}

// Orchestrator runs audits. It holds no per-audit state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg       OrchestratorConfig
	fetcher   SourceFetcher
	detector  *Detector
	validator *Validator
	sink      EventSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. fetcher, validator and sink may
// be nil; without a validator audits stop after detection.
func NewOrchestrator(cfg OrchestratorConfig, fetcher SourceFetcher, detector *Detector, validator *Validator, sink EventSink, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxPerToken <= 0 {
		cfg.MaxPerToken = 3
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		detector:  detector,
		validator: validator,
		sink:      sink,
		metrics:   m,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// Audit fetches source, detects deviations and opportunities, and validates
// them when requested. Detection results are kept when validation fails; an
// error is returned only for invalid input or when the caller's context ends.
func (o *Orchestrator) Audit(parent context.Context, req AuditRequest) (domain.AuditResult, error) {
	if req.Chain == "" || req.Target == (common.Address{}) {
		return domain.AuditResult{}, fmt.Errorf("pipeline: audit: chain and target required: %w", domain.ErrInvalidInput)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := o.now()
	ctx, cancel := context.WithTimeout(parent, o.cfg.AuditTimeout)
	defer cancel()

	log := o.logger.With(
		slog.String("audit", req.ID),
		slog.String("chain", string(req.Chain)),
		slog.String("target", req.Target.Hex()),
	)
	res := domain.AuditResult{
		ID:         req.ID,
		Target:     req.Target,
		Chain:      req.Chain,
		StartedAt:  start.UTC(),
		Validation: domain.Outcome{Status: domain.OutcomeSkipped},
	}
	o.emit(ctx, req.ID, domain.EventAuditStarted, "", map[string]any{"target": req.Target.Hex(), "chain": req.Chain})
	log.InfoContext(ctx, "audit started", slog.Int("tokens", len(req.Tokens)), slog.Bool("validate", req.Validate))

	iface, srcOutcome := o.targetInterface(ctx, req)
	res.Source = srcOutcome

	det, err := o.detector.Detect(ctx, DetectRequest{
		Chain:          req.Chain,
		Target:         req.Target,
		Source:         iface.Source,
		Tokens:         req.Tokens,
		ContractSupply: req.ContractSupply,
	})
	if err != nil {
		o.finish(ctx, &res, start, "failed")
		return res, err
	}
	res.SnapshotID = det.Snapshot.ID
	res.Native = det.Snapshot.Native
	res.Tokens = det.Tokens
	res.Patterns = det.Patterns

	for _, ta := range res.Tokens {
		if ta.Deviation != nil && ta.Deviation.Flagged() {
			o.emit(ctx, req.ID, domain.EventDeviationFlagged, ta.Token, map[string]any{
				"deviation_pct": ta.Deviation.DeviationPct.StringFixed(4),
				"severity":      ta.Deviation.Severity,
				"opportunities": len(ta.Opportunities),
			})
		}
	}

	if req.Validate {
		if o.validator == nil {
			res.Validation = domain.Outcome{Status: domain.OutcomeFailed, Reason: domain.ReasonToolingMissing, Detail: "validation is not configured"}
		} else {
			res.Validation = o.validateAll(ctx, &res, iface, det, req)
		}
	}

	if err := parent.Err(); err != nil {
		o.finish(ctx, &res, start, "canceled")
		return res, fmt.Errorf("pipeline: audit %s: %w", req.ID, err)
	}
	o.finish(ctx, &res, start, "ok")
	log.InfoContext(ctx, "audit completed",
		slog.String("severity", string(res.HighestSeverity())),
		slog.String("validation", string(res.Validation.Status)),
		slog.Duration("took", res.CompletedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

func (o *Orchestrator) finish(ctx context.Context, res *domain.AuditResult, start time.Time, status string) {
	res.CompletedAt = o.now().UTC()
	o.metrics.AuditFinished(string(res.Chain), status, o.now().Sub(start))
	o.emit(ctx, res.ID, domain.EventAuditCompleted, "", map[string]any{
		"status":   status,
		"severity": res.HighestSeverity(),
	})
}

// targetInterface resolves source and ABI for the target. Unverified
// contracts continue with empty source.
func (o *Orchestrator) targetInterface(ctx context.Context, req AuditRequest) (domain.TargetInterface, domain.Outcome) {
	iface := domain.TargetInterface{Address: req.Target, Chain: req.Chain, Source: req.Source, ABI: req.ABI}
	if req.Source != "" || o.fetcher == nil {
		if req.Source == "" {
			return iface, domain.Outcome{Status: domain.OutcomeNotApplicable, Reason: domain.ReasonSourceUnavailable}
		}
		return iface, domain.OK()
	}

	c, err := o.fetcher.Fetch(ctx, req.Chain, req.Target)
	if err != nil {
		o.logger.WarnContext(ctx, "source unavailable",
			slog.String("target", req.Target.Hex()),
			slog.String("error", err.Error()),
		)
		return iface, domain.OutcomeFromError(err)
	}
	iface.Name = c.Name
	iface.Source = c.Source
	if iface.ABI == "" {
		iface.ABI = c.ABI
	}
	return iface, domain.OK()
}

type validationJob struct {
	token int // -1 for findings
	req   ValidateRequest
}

func (o *Orchestrator) validateAll(ctx context.Context, res *domain.AuditResult, iface domain.TargetInterface, det DetectionResult, req AuditRequest) domain.Outcome {
	base := ValidateRequest{
		Chain:   req.Chain,
		Iface:   iface,
		Block:   req.Block,
		Native:  det.Snapshot.Native,
		Capital: req.Capital,
	}

	var jobs []validationJob
	for i, ta := range res.Tokens {
		n := 0
		for _, opp := range ta.Opportunities {
			if !opp.Actionable() || n >= o.cfg.MaxPerToken {
				continue
			}
			n++
			r := base
			r.Ref = domain.VulnerabilityRef{Opportunity: &opp, Deviation: ta.Deviation}
			jobs = append(jobs, validationJob{token: i, req: r})
		}
	}
	findings := append(append([]domain.Finding(nil), req.Findings...), det.Patterns...)
	for _, f := range findings {
		r := base
		r.Ref = domain.VulnerabilityRef{Finding: &f}
		jobs = append(jobs, validationJob{token: -1, req: r})
	}
	if len(jobs) == 0 {
		return domain.Outcome{Status: domain.OutcomeNotApplicable, Reason: domain.ReasonNoOpportunity}
	}

	results := make([]domain.Validation, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			v, err := o.validator.Validate(gctx, job.req)
			results[i] = v
			token := ""
			if job.token >= 0 {
				token = res.Tokens[job.token].Token
			}
			if err != nil || v.Outcome.Status != domain.OutcomeOK {
				o.emit(gctx, res.ID, domain.EventValidationFailed, token, map[string]any{
					"kind":   job.req.Ref.Kind(),
					"reason": v.Outcome.Reason,
				})
				return nil
			}
			o.emit(gctx, res.ID, domain.EventExploitValidated, token, map[string]any{
				"kind":       job.req.Ref.Kind(),
				"artifact":   v.Artifact.ID,
				"profit_usd": v.Profit.ProfitUSD.StringFixed(2),
				"severity":   v.Profit.Severity,
			})
			return nil
		})
	}
	_ = g.Wait()

	ran := false
	var firstFailure *domain.Outcome
	for i, job := range jobs {
		v := results[i]
		if job.token >= 0 {
			res.Tokens[job.token].Validations = append(res.Tokens[job.token].Validations, v)
		} else {
			res.Findings = append(res.Findings, v)
		}
		switch v.Outcome.Status {
		case domain.OutcomeOK, domain.OutcomeNegative:
			ran = true
		default:
			if firstFailure == nil {
				out := v.Outcome
				firstFailure = &out
			}
		}
	}
	if ran || firstFailure == nil {
		return domain.OK()
	}
	return *firstFailure
}

func (o *Orchestrator) emit(ctx context.Context, auditID, typ, token string, detail map[string]any) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(ctx, domain.AuditEvent{
		AuditID: auditID,
		Type:    typ,
		Token:   token,
		Detail:  detail,
		At:      o.now().UTC(),
	})
}
