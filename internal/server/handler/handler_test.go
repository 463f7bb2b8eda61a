package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
)

const target = "0x2222222222222222222222222222222222222222"

type mockAuditService struct {
	mock.Mock
	ran chan pipeline.AuditRequest
}

func (m *mockAuditService) Run(ctx context.Context, req pipeline.AuditRequest) (domain.AuditResult, error) {
	args := m.Called(ctx, req)
	if m.ran != nil {
		m.ran <- req
	}
	return args.Get(0).(domain.AuditResult), args.Error(1)
}

func (m *mockAuditService) Get(ctx context.Context, id string) (domain.AuditResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.AuditResult), args.Error(1)
}

func (m *mockAuditService) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditSummary, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.AuditSummary), args.Error(1)
}

func (m *mockAuditService) RecentOpportunities(ctx context.Context, limit int) ([]domain.StoredOpportunity, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.StoredOpportunity), args.Error(1)
}

func (m *mockAuditService) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.ExecutionRecord), args.Error(1)
}

func (m *mockAuditService) ArtifactSource(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockAuditService) ValidatedProfitUSD(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockAuditService) Evidence(ctx context.Context, id string) ([]domain.BlobInfo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]domain.BlobInfo), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMux(svc *mockAuditService) *http.ServeMux {
	h := NewAuditHandler(context.Background(), svc, []domain.Chain{"bsc"}, 1, time.Minute, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/audits", h.Submit)
	mux.HandleFunc("GET /api/audits/recent", h.ListRecent)
	mux.HandleFunc("GET /api/audits/{id}", h.Get)
	mux.HandleFunc("GET /api/audits/{id}/evidence", h.Evidence)
	mux.HandleFunc("GET /api/opportunities/recent", h.RecentOpportunities)
	mux.HandleFunc("GET /api/executions/recent", h.RecentExecutions)
	mux.HandleFunc("GET /api/artifacts/{id}/source", h.ArtifactSource)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	mux := newTestMux(&mockAuditService{})
	cases := map[string]string{
		"not json":      `{`,
		"bad target":    `{"target":"0x12","chain":"bsc"}`,
		"unknown chain": `{"target":"` + target + `","chain":"solana"}`,
		"bad token":     `{"target":"` + target + `","chain":"bsc","tokens":["nope"]}`,
		"unknown field": `{"target":"` + target + `","chain":"bsc","extra":1}`,
		"kindless find": `{"target":"` + target + `","chain":"bsc","findings":[{"location":"x"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, "/api/audits", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmit_Background(t *testing.T) {
	svc := &mockAuditService{ran: make(chan pipeline.AuditRequest, 1)}
	svc.On("Run", mock.Anything, mock.AnythingOfType("pipeline.AuditRequest")).
		Return(domain.AuditResult{}, nil).Once()

	rec := do(t, newTestMux(svc), http.MethodPost, "/api/audits",
		`{"target":"`+target+`","chain":"BSC","validate":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["id"])

	select {
	case req := <-svc.ran:
		assert.Equal(t, body["id"], req.ID)
		assert.Equal(t, domain.Chain("bsc"), req.Chain)
		assert.True(t, req.Validate)
	case <-time.After(5 * time.Second):
		t.Fatal("background audit did not run")
	}
}

func TestSubmit_WaitMapsLockConflict(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("Run", mock.Anything, mock.Anything).
		Return(domain.AuditResult{}, domain.ErrLockHeld).Once()

	rec := do(t, newTestMux(svc), http.MethodPost, "/api/audits?wait=true",
		`{"target":"`+target+`","chain":"bsc"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmit_WaitReturnsPartialResult(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("Run", mock.Anything, mock.Anything).
		Return(domain.AuditResult{ID: "a1", Chain: "bsc"}, context.DeadlineExceeded).Once()

	rec := do(t, newTestMux(svc), http.MethodPost, "/api/audits?wait=1",
		`{"target":"`+target+`","chain":"bsc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"a1"`)
}

func TestGet(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("Get", mock.Anything, "a1").Return(domain.AuditResult{ID: "a1"}, nil)
	svc.On("Get", mock.Anything, "missing").Return(domain.AuditResult{}, domain.ErrNotFound)
	mux := newTestMux(svc)

	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/api/audits/a1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/audits/missing", "").Code)
}

func TestListEndpoints(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("ListRecent", mock.Anything, domain.ListOpts{Limit: 500}).
		Return([]domain.AuditSummary{{ID: "a1"}}, nil)
	svc.On("RecentOpportunities", mock.Anything, 50).
		Return([]domain.StoredOpportunity{}, nil)
	svc.On("RecentExecutions", mock.Anything, 10).
		Return([]domain.ExecutionRecord(nil), errors.New("db down"))
	mux := newTestMux(svc)

	rec := do(t, mux, http.MethodGet, "/api/audits/recent?limit=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["a1"]`, idsOf(t, rec.Body.Bytes(), "audits"))

	rec = do(t, mux, http.MethodGet, "/api/opportunities/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"opportunities":[]}`, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/executions/recent?limit=10", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	svc.AssertExpectations(t)
}

func idsOf(t *testing.T, data []byte, key string) string {
	t.Helper()
	var body map[string][]struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	ids := make([]string, 0, len(body[key]))
	for _, v := range body[key] {
		ids = append(ids, v.ID)
	}
	out, err := json.Marshal(ids)
	require.NoError(t, err)
	return string(out)
}

func TestArtifactSource(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("ArtifactSource", mock.Anything, "art-1").Return("contract Exploit {}", nil)
	rec := do(t, newTestMux(svc), http.MethodGet, "/api/artifacts/art-1/source", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "contract Exploit {}", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
		Failed       []string          `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Equal(t, []string{"redis"}, body.Failed)
}

func TestStatus(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("ValidatedProfitUSD", mock.Anything, mock.AnythingOfType("time.Time")).
		Return(decimal.RequireFromString("1500.456"), nil)
	h := NewStatusHandler("server", "template_first", []domain.Chain{"bsc"}, svc, testLogger())

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"validated_profit_usd_24h":"1500.46"`)
	assert.Contains(t, rec.Body.String(), `"mode":"server"`)
}

func TestListRecent_TimeRange(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockAuditService{}
	svc.On("ListRecent", mock.Anything, mock.MatchedBy(func(o domain.ListOpts) bool {
		return o.Limit == 5 && o.Since != nil && o.Since.Equal(since) && o.Until == nil
	})).Return([]domain.AuditSummary{}, nil).Once()
	mux := newTestMux(svc)

	rec := do(t, mux, http.MethodGet, "/api/audits/recent?limit=5&since=2024-01-01T08:00:00%2B08:00", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/api/audits/recent?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":400`)

	rec = do(t, mux, http.MethodGet, "/api/audits/recent?since=2024-02-01T00:00:00Z&until=2024-01-01T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertExpectations(t)
}

func TestEvidence(t *testing.T) {
	svc := &mockAuditService{}
	svc.On("Evidence", mock.Anything, "a1").
		Return([]domain.BlobInfo{{Path: "artifacts/a1/x.sol", Size: 120}}, nil)
	svc.On("Evidence", mock.Anything, "a2").
		Return([]domain.BlobInfo(nil), nil)
	svc.On("Evidence", mock.Anything, "a3").
		Return([]domain.BlobInfo(nil), domain.ErrNotFound)
	mux := newTestMux(svc)

	rec := do(t, mux, http.MethodGet, "/api/audits/a1/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"path":"artifacts/a1/x.sol"`)

	rec = do(t, mux, http.MethodGet, "/api/audits/a2/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"objects":[]`)

	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/api/audits/a3/evidence", "").Code)
}
