package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
)

var target = common.HexToAddress("0x2222222222222222222222222222222222222222")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAuditor struct {
	res domain.AuditResult
	err error
}

func (s stubAuditor) Audit(_ context.Context, req pipeline.AuditRequest) (domain.AuditResult, error) {
	res := s.res
	res.ID = req.ID
	return res, s.err
}

type mockRuns struct{ mock.Mock }

func (m *mockRuns) Save(ctx context.Context, r domain.AuditResult) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockRuns) GetByID(ctx context.Context, id string) (domain.AuditResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.AuditResult), args.Error(1)
}

func (m *mockRuns) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditSummary, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.AuditSummary), args.Error(1)
}

func (m *mockRuns) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditSummary, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Get(0).([]domain.AuditSummary), args.Error(1)
}

func (m *mockRuns) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type mockOpps struct{ mock.Mock }

func (m *mockOpps) InsertBatch(ctx context.Context, auditID string, chain domain.Chain, opps []domain.ArbitrageOpportunity) error {
	return m.Called(ctx, auditID, chain, opps).Error(0)
}

func (m *mockOpps) MarkValidated(ctx context.Context, auditID, id string, validated bool) error {
	return m.Called(ctx, auditID, id, validated).Error(0)
}

func (m *mockOpps) ListRecent(ctx context.Context, limit int) ([]domain.StoredOpportunity, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.StoredOpportunity), args.Error(1)
}

type memExecutions struct {
	recs []domain.ExecutionRecord
}

func (m *memExecutions) Create(_ context.Context, rec domain.ExecutionRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memExecutions) GetByID(_ context.Context, id string) (domain.ExecutionRecord, error) {
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.ExecutionRecord{}, domain.ErrNotFound
}

func (m *memExecutions) GetByArtifact(_ context.Context, artifactID string) (domain.ExecutionRecord, error) {
	for _, r := range m.recs {
		if r.ArtifactID == artifactID {
			return r, nil
		}
	}
	return domain.ExecutionRecord{}, domain.ErrNotFound
}

func (m *memExecutions) ListRecent(context.Context, int) ([]domain.ExecutionRecord, error) {
	return m.recs, nil
}

func (m *memExecutions) SumProfitUSD(context.Context, time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range m.recs {
		total = total.Add(r.ProfitUSD)
	}
	return total, nil
}

type memArchive struct {
	sources map[string]string
}

func (a *memArchive) ArchiveArtifact(_ context.Context, auditID string, art domain.ExploitArtifact) (string, error) {
	key := "artifacts/" + auditID + "/" + art.ID + ".sol"
	a.sources[key] = art.Source
	return key, nil
}

func (a *memArchive) ArchiveTrace(_ context.Context, auditID string, res domain.ExecutionResult) (string, error) {
	return "traces/" + auditID + "/" + res.ArtifactID + ".json", nil
}

func (a *memArchive) ArchiveResult(_ context.Context, r domain.AuditResult) (string, error) {
	return "audits/" + r.ID + ".json", nil
}

func (a *memArchive) Get(_ context.Context, path string) (io.ReadCloser, error) {
	src, ok := a.sources[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(src)), nil
}

func (a *memArchive) ResultKey(r domain.AuditResult) string { return "audits/" + r.ID + ".json" }

func (a *memArchive) EvidencePrefixes(auditID string) []string {
	return []string{"artifacts/" + auditID + "/", "traces/" + auditID + "/"}
}

func (a *memArchive) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range a.sources {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (a *memArchive) Exists(_ context.Context, path string) (bool, error) {
	_, ok := a.sources[path]
	return ok, nil
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, event, title, message string) error {
	return m.Called(ctx, event, title, message).Error(0)
}

type memBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func validatedResult() domain.AuditResult {
	opp := domain.ArbitrageOpportunity{ID: "opp-1", Token: target.Hex(), Strategy: domain.StrategySimple, NetProfit: decimal.NewFromInt(5000)}
	dev := domain.PriceDeviation{
		ContractPrice: domain.TokenPrice{Price: decimal.NewFromInt(5), Quote: domain.QuoteUSD},
		MarketPrice:   domain.TokenPrice{Price: decimal.NewFromInt(59), Quote: domain.QuoteUSD},
		DeviationPct:  decimal.RequireFromString("10.8"),
		Threshold:     decimal.RequireFromString("0.1"),
		Severity:      domain.SeverityCritical,
		Direction:     domain.DirectionUnderpriced,
	}
	return domain.AuditResult{
		Target: target,
		Chain:  "bsc",
		Tokens: []domain.TokenAnalysis{{
			Token:         target.Hex(),
			Deviation:     &dev,
			Opportunities: []domain.ArbitrageOpportunity{opp},
			Detection:     domain.OK(),
			Validations: []domain.Validation{{
				Vulnerability: domain.VulnerabilityRef{Opportunity: &opp},
				Artifact:      &domain.ExploitArtifact{ID: "art-1", Vulnerability: domain.VulnPriceArbitrage, Source: "contract ExploitVerifier {}"},
				Execution: &domain.ExecutionResult{
					ArtifactID:     "art-1",
					Success:        true,
					InitialBalance: big.NewInt(1),
					FinalBalance:   big.NewInt(2),
					GasUsed:        90_000,
				},
				Profit: &domain.ProfitReport{
					Exploitable:     true,
					NetProfitNative: decimal.NewFromInt(5),
					ProfitUSD:       decimal.NewFromInt(1500),
					Severity:        domain.SeverityHigh,
					NativeSymbol:    "BNB",
				},
				Outcome: domain.OK(),
			}},
		}},
		Validation: domain.OK(),
	}
}

func TestRun_RecordsEverything(t *testing.T) {
	runs := &mockRuns{}
	runs.On("Save", mock.Anything, mock.MatchedBy(func(r domain.AuditResult) bool { return r.ID == "audit-1" })).Return(nil).Once()
	opps := &mockOpps{}
	opps.On("InsertBatch", mock.Anything, "audit-1", domain.Chain("bsc"), mock.Anything).Return(nil).Once()
	opps.On("MarkValidated", mock.Anything, "audit-1", "opp-1", true).Return(nil).Once()
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, domain.EventDeviationFlagged, mock.Anything, mock.Anything).Return(nil).Once()
	notifier.On("Notify", mock.Anything, domain.EventExploitValidated, mock.Anything, mock.Anything).Return(nil).Once()

	execs := &memExecutions{}
	archive := &memArchive{sources: map[string]string{}}
	svc := NewAuditService(stubAuditor{res: validatedResult()},
		AuditStores{Runs: runs, Opportunities: opps, Executions: execs},
		archive, archive, newMemBus(), nil, notifier, testLogger())

	res, err := svc.Run(context.Background(), pipeline.AuditRequest{ID: "audit-1", Chain: "bsc", Target: target})
	require.NoError(t, err)
	assert.Equal(t, "audit-1", res.ID)

	runs.AssertExpectations(t)
	opps.AssertExpectations(t)
	notifier.AssertExpectations(t)

	require.Len(t, execs.recs, 1)
	rec := execs.recs[0]
	assert.Equal(t, "art-1", rec.ArtifactID)
	assert.Equal(t, "opp-1", rec.OpportunityID)
	assert.True(t, rec.Success)
	assert.True(t, rec.ProfitUSD.Equal(decimal.NewFromInt(1500)))
	assert.NotEmpty(t, rec.ArtifactKey)

	src, err := svc.ArtifactSource(context.Background(), "art-1")
	require.NoError(t, err)
	assert.Equal(t, "contract ExploitVerifier {}", src)

	total, err := svc.ValidatedProfitUSD(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(1500)))
}

func TestRun_LockHeld(t *testing.T) {
	svc := NewAuditService(stubAuditor{}, AuditStores{}, nil, nil, nil, heldLock{}, nil, testLogger())
	_, err := svc.Run(context.Background(), pipeline.AuditRequest{Chain: "bsc", Target: target})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRun_SaveFailureStillReturnsResult(t *testing.T) {
	runs := &mockRuns{}
	runs.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	svc := NewAuditService(stubAuditor{res: domain.AuditResult{Chain: "bsc", Target: target}}, AuditStores{Runs: runs}, nil, nil, nil, nil, nil, testLogger())

	res, err := svc.Run(context.Background(), pipeline.AuditRequest{ID: "a", Chain: "bsc", Target: target})
	require.NoError(t, err)
	assert.Equal(t, "a", res.ID)
	runs.AssertExpectations(t)
}

func TestPublish_BusAndStream(t *testing.T) {
	bus := newMemBus()
	svc := NewAuditService(stubAuditor{}, AuditStores{}, nil, nil, bus, nil, nil, testLogger())

	svc.Publish(context.Background(), domain.AuditEvent{AuditID: "a", Type: domain.EventAuditStarted})

	require.Len(t, bus.published[ChannelAudits], 1)
	require.Len(t, bus.streamed[StreamAudits], 1)
	var ev domain.AuditEvent
	require.NoError(t, json.Unmarshal(bus.published[ChannelAudits][0], &ev))
	assert.Equal(t, domain.EventAuditStarted, ev.Type)
}

func TestGet_WithoutStoreIsNotFound(t *testing.T) {
	svc := NewAuditService(stubAuditor{}, AuditStores{}, nil, nil, nil, nil, nil, testLogger())
	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ArtifactSource(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
