package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
)

// Bus channels audit events are published on.
const (
	ChannelAudits = "audits"
	StreamAudits  = "audit_events"
)

// Auditor runs one audit.
type Auditor interface {
	Audit(ctx context.Context, req pipeline.AuditRequest) (domain.AuditResult, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventStream appends events to a durable stream.
type EventStream interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// AuditStores groups the persistence the service writes to. Any field may
// be nil when that store is not configured.
type AuditStores struct {
	Runs          domain.AuditRunStore
	Opportunities domain.OpportunityStore
	Executions    domain.ExecutionStore
	Log           domain.AuditStore
}

// AuditService runs audits and records their results: persistence,
// archival, event fan-out and operator notification.
type AuditService struct {
	auditor  Auditor
	stores   AuditStores
	archive  domain.ArtifactArchiver
	blobs    domain.BlobReader
	bus      domain.SignalBus
	stream   EventStream
	lock     domain.LockManager
	notifier Notifier
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewAuditService creates an AuditService. Only auditor is required.
func NewAuditService(
	auditor Auditor,
	stores AuditStores,
	archive domain.ArtifactArchiver,
	blobs domain.BlobReader,
	bus domain.SignalBus,
	lock domain.LockManager,
	notifier Notifier,
	logger *slog.Logger,
) *AuditService {
	s := &AuditService{
		auditor:  auditor,
		stores:   stores,
		archive:  archive,
		blobs:    blobs,
		bus:      bus,
		lock:     lock,
		notifier: notifier,
		lockTTL:  15 * time.Minute,
		logger:   logger.With(slog.String("component", "audit_service")),
	}
	if es, ok := bus.(EventStream); ok {
		s.stream = es
	}
	return s
}

// Run audits one contract and records the result. Concurrent audits of the
// same target are refused with domain.ErrLockHeld.
func (s *AuditService) Run(ctx context.Context, req pipeline.AuditRequest) (domain.AuditResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if s.lock != nil {
		unlock, err := s.lock.Acquire(ctx, "audit:"+string(req.Chain)+":"+strings.ToLower(req.Target.Hex()), s.lockTTL)
		if err != nil {
			return domain.AuditResult{}, fmt.Errorf("audit_service: lock %s: %w", req.Target.Hex(), err)
		}
		defer unlock()
	}

	res, err := s.auditor.Audit(ctx, req)
	if err != nil && res.ID == "" {
		return res, fmt.Errorf("audit_service: audit: %w", err)
	}
	// Record even partial results; use a fresh context if the caller's ended.
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}
	if rerr := s.Record(recordCtx, res); rerr != nil {
		s.logger.ErrorContext(ctx, "record audit failed",
			slog.String("audit", res.ID),
			slog.String("error", rerr.Error()),
		)
	}
	if err != nil {
		return res, fmt.Errorf("audit_service: audit: %w", err)
	}
	return res, nil
}

// Record persists res, archives its artifacts and traces, and notifies
// operators of validated exploits and critical deviations. Only the run
// itself is required to persist; the other steps log and continue.
func (s *AuditService) Record(ctx context.Context, res domain.AuditResult) error {
	if s.stores.Runs != nil {
		if err := s.stores.Runs.Save(ctx, res); err != nil {
			return fmt.Errorf("audit_service: save run %s: %w", res.ID, err)
		}
	}

	if s.stores.Opportunities != nil {
		for _, ta := range res.Tokens {
			if len(ta.Opportunities) == 0 {
				continue
			}
			if err := s.stores.Opportunities.InsertBatch(ctx, res.ID, res.Chain, ta.Opportunities); err != nil {
				s.warn(ctx, "insert opportunities failed", res.ID, err)
			}
		}
	}

	for _, ta := range res.Tokens {
		for _, v := range ta.Validations {
			s.recordValidation(ctx, res, v)
		}
	}
	for _, v := range res.Findings {
		s.recordValidation(ctx, res, v)
	}

	if s.stores.Log != nil {
		if err := s.stores.Log.Log(ctx, "audit_recorded", map[string]any{
			"audit_id":   res.ID,
			"target":     res.Target.Hex(),
			"chain":      res.Chain,
			"severity":   res.HighestSeverity(),
			"validation": res.Validation.Status,
		}); err != nil {
			s.warn(ctx, "audit log failed", res.ID, err)
		}
	}

	s.alert(ctx, res)

	s.logger.InfoContext(ctx, "audit recorded",
		slog.String("audit", res.ID),
		slog.String("severity", string(res.HighestSeverity())),
	)
	return nil
}

func (s *AuditService) recordValidation(ctx context.Context, res domain.AuditResult, v domain.Validation) {
	if v.Artifact == nil {
		return
	}
	rec := domain.ExecutionRecord{
		ID:            uuid.NewString(),
		AuditID:       res.ID,
		ArtifactID:    v.Artifact.ID,
		Target:        res.Target.Hex(),
		Chain:         res.Chain,
		Vulnerability: v.Artifact.Vulnerability,
		Method:        v.Artifact.Method,
		Reason:        v.Outcome.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	if v.Vulnerability.Opportunity != nil {
		rec.OpportunityID = v.Vulnerability.Opportunity.ID
	}

	if s.archive != nil {
		key, err := s.archive.ArchiveArtifact(ctx, res.ID, *v.Artifact)
		if err != nil {
			s.warn(ctx, "archive artifact failed", res.ID, err)
		}
		rec.ArtifactKey = key
	}

	if v.Execution != nil {
		rec.ForkBlock = v.Execution.Fork.BlockNumber
		rec.Success = v.Execution.Success
		rec.RevertReason = v.Execution.RevertReason
		rec.GasUsed = v.Execution.GasUsed
		if s.archive != nil && len(v.Execution.Trace) > 0 {
			key, err := s.archive.ArchiveTrace(ctx, res.ID, *v.Execution)
			if err != nil {
				s.warn(ctx, "archive trace failed", res.ID, err)
			}
			rec.TraceKey = key
		}
	}
	if v.Profit != nil {
		rec.NetProfitNative = v.Profit.NetProfitNative
		rec.ProfitUSD = v.Profit.ProfitUSD
		rec.ROIPercent = v.Profit.ROIPercent
		rec.NativePriceUSD = v.Profit.NativePrice.Price
		rec.Severity = v.Profit.Severity
	}

	if s.stores.Executions != nil && v.Execution != nil {
		if err := s.stores.Executions.Create(ctx, rec); err != nil {
			s.warn(ctx, "store execution failed", res.ID, err)
		}
	}
	if s.stores.Opportunities != nil && rec.OpportunityID != "" && v.Profit != nil {
		if err := s.stores.Opportunities.MarkValidated(ctx, res.ID, rec.OpportunityID, v.Profit.Exploitable); err != nil {
			s.warn(ctx, "mark opportunity failed", res.ID, err)
		}
	}
}

func (s *AuditService) alert(ctx context.Context, res domain.AuditResult) {
	if s.notifier == nil {
		return
	}
	for _, ta := range res.Tokens {
		if ta.Deviation != nil && ta.Deviation.Flagged() && ta.Deviation.Severity == domain.SeverityCritical {
			msg := fmt.Sprintf("%s on %s: contract %s vs market %s %s (%s%%)",
				ta.Token, res.Chain,
				ta.Deviation.ContractPrice.Price.String(),
				ta.Deviation.MarketPrice.Price.String(),
				ta.Deviation.MarketPrice.Quote,
				ta.Deviation.DeviationPct.Mul(decimal.NewFromInt(100)).StringFixed(1),
			)
			if err := s.notifier.Notify(ctx, domain.EventDeviationFlagged, "Critical price deviation", msg); err != nil {
				s.warn(ctx, "notify failed", res.ID, err)
			}
		}
	}

	validations := append([]domain.Validation(nil), res.Findings...)
	for _, ta := range res.Tokens {
		validations = append(validations, ta.Validations...)
	}
	for _, v := range validations {
		if v.Profit == nil || !v.Profit.Exploitable {
			continue
		}
		msg := fmt.Sprintf("%s on %s (%s): net %s %s, about $%s, severity %s",
			v.Vulnerability.Kind(), res.Target.Hex(), res.Chain,
			v.Profit.NetProfitNative.StringFixed(6), v.Profit.NativeSymbol,
			v.Profit.ProfitUSD.StringFixed(2), v.Profit.Severity,
		)
		if err := s.notifier.Notify(ctx, domain.EventExploitValidated, "Exploit validated", msg); err != nil {
			s.warn(ctx, "notify failed", res.ID, err)
		}
	}
}

// Publish forwards a pipeline event to the bus and the durable stream.
func (s *AuditService) Publish(ctx context.Context, ev domain.AuditEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.warn(ctx, "encode event failed", ev.AuditID, err)
		return
	}
	if err := s.bus.Publish(ctx, ChannelAudits, payload); err != nil {
		s.warn(ctx, "publish event failed", ev.AuditID, err)
	}
	if s.stream != nil {
		if err := s.stream.StreamAppend(ctx, StreamAudits, payload); err != nil {
			s.warn(ctx, "append event failed", ev.AuditID, err)
		}
	}
}

// Get returns a stored audit.
func (s *AuditService) Get(ctx context.Context, id string) (domain.AuditResult, error) {
	if s.stores.Runs == nil {
		return domain.AuditResult{}, fmt.Errorf("audit_service: get %s: %w", id, domain.ErrNotFound)
	}
	res, err := s.stores.Runs.GetByID(ctx, id)
	if err != nil {
		return domain.AuditResult{}, fmt.Errorf("audit_service: get %s: %w", id, err)
	}
	return res, nil
}

// ListRecent returns recent audit summaries.
func (s *AuditService) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditSummary, error) {
	if s.stores.Runs == nil {
		return []domain.AuditSummary{}, nil
	}
	out, err := s.stores.Runs.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("audit_service: list recent: %w", err)
	}
	return out, nil
}

// RecentOpportunities returns the latest modeled opportunities.
func (s *AuditService) RecentOpportunities(ctx context.Context, limit int) ([]domain.StoredOpportunity, error) {
	if s.stores.Opportunities == nil {
		return []domain.StoredOpportunity{}, nil
	}
	out, err := s.stores.Opportunities.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: recent opportunities: %w", err)
	}
	return out, nil
}

// RecentExecutions returns the latest exploit runs.
func (s *AuditService) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if s.stores.Executions == nil {
		return []domain.ExecutionRecord{}, nil
	}
	out, err := s.stores.Executions.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: recent executions: %w", err)
	}
	return out, nil
}

// ValidatedProfitUSD sums validated profit since the given time.
func (s *AuditService) ValidatedProfitUSD(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	if s.stores.Executions == nil {
		return decimal.Zero, nil
	}
	total, err := s.stores.Executions.SumProfitUSD(ctx, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("audit_service: profit since %v: %w", since, err)
	}
	return total, nil
}

// ArtifactSource returns the archived Solidity source of an artifact.
func (s *AuditService) ArtifactSource(ctx context.Context, artifactID string) (string, error) {
	if s.stores.Executions == nil || s.blobs == nil {
		return "", fmt.Errorf("audit_service: artifact %s: %w", artifactID, domain.ErrNotFound)
	}
	rec, err := s.stores.Executions.GetByArtifact(ctx, artifactID)
	if err != nil {
		return "", fmt.Errorf("audit_service: artifact %s: %w", artifactID, err)
	}
	if rec.ArtifactKey == "" {
		return "", fmt.Errorf("audit_service: artifact %s not archived: %w", artifactID, domain.ErrNotFound)
	}
	rc, err := s.blobs.Get(ctx, rec.ArtifactKey)
	if err != nil {
		return "", fmt.Errorf("audit_service: read %s: %w", rec.ArtifactKey, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", fmt.Errorf("audit_service: read %s: %w", rec.ArtifactKey, err)
	}
	return buf.String(), nil
}

// Evidence lists the archived artifacts and traces of an audit, oldest
// first.
func (s *AuditService) Evidence(ctx context.Context, auditID string) ([]domain.BlobInfo, error) {
	if s.archive == nil || s.blobs == nil {
		return nil, fmt.Errorf("audit_service: evidence %s: object storage disabled: %w", auditID, domain.ErrNotFound)
	}
	var out []domain.BlobInfo
	for _, prefix := range s.archive.EvidencePrefixes(auditID) {
		objs, err := s.blobs.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("audit_service: list %s: %w", prefix, err)
		}
		out = append(out, objs...)
	}
	slices.SortStableFunc(out, func(a, b domain.BlobInfo) int {
		return a.LastModified.Compare(b.LastModified)
	})
	return out, nil
}

func (s *AuditService) warn(ctx context.Context, msg, auditID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.WarnContext(ctx, msg,
		slog.String("audit", auditID),
		slog.String("error", err.Error()),
	)
}
