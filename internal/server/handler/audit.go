package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
)

// AuditService defines what the audit endpoints need.
type AuditService interface {
	Run(ctx context.Context, req pipeline.AuditRequest) (domain.AuditResult, error)
	Get(ctx context.Context, id string) (domain.AuditResult, error)
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditSummary, error)
	RecentOpportunities(ctx context.Context, limit int) ([]domain.StoredOpportunity, error)
	RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)
	ArtifactSource(ctx context.Context, artifactID string) (string, error)
	Evidence(ctx context.Context, auditID string) ([]domain.BlobInfo, error)
}

// AuditHandler serves audit submission and result endpoints.
type AuditHandler struct {
	svc    AuditService
	chains map[domain.Chain]bool
	// base outlives requests; background audits run under it.
	base    context.Context
	timeout time.Duration
	slots   chan struct{}
	logger  *slog.Logger
}

// NewAuditHandler creates an AuditHandler. chains lists the chains audits
// may target; maxRunning bounds audits running in the background.
func NewAuditHandler(base context.Context, svc AuditService, chains []domain.Chain, maxRunning int, timeout time.Duration, logger *slog.Logger) *AuditHandler {
	if maxRunning <= 0 {
		maxRunning = 1
	}
	set := make(map[domain.Chain]bool, len(chains))
	for _, c := range chains {
		set[c] = true
	}
	return &AuditHandler{
		svc:     svc,
		chains:  set,
		base:    base,
		timeout: timeout,
		slots:   make(chan struct{}, maxRunning),
		logger:  logHandler(logger, "audit"),
	}
}

// submitAuditRequest is the body of POST /api/audits.
type submitAuditRequest struct {
	Target   string           `json:"target"`
	Chain    string           `json:"chain"`
	Tokens   []string         `json:"tokens"`
	Validate bool             `json:"validate"`
	Findings []domain.Finding `json:"findings"`
	Source   string           `json:"source,omitempty"`
	Block    uint64           `json:"block,omitempty"`
}

func (h *AuditHandler) parseSubmit(w http.ResponseWriter, r *http.Request) (pipeline.AuditRequest, error) {
	var body submitAuditRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return pipeline.AuditRequest{}, errors.New("invalid JSON body: " + err.Error())
	}
	if !common.IsHexAddress(body.Target) {
		return pipeline.AuditRequest{}, errors.New("target must be a hex address")
	}
	chain := domain.Chain(strings.ToLower(strings.TrimSpace(body.Chain)))
	if !h.chains[chain] {
		return pipeline.AuditRequest{}, errors.New("unsupported chain " + strconv.Quote(body.Chain))
	}
	for _, tok := range body.Tokens {
		if !common.IsHexAddress(tok) {
			return pipeline.AuditRequest{}, errors.New("token " + strconv.Quote(tok) + " is not a hex address")
		}
	}
	for _, f := range body.Findings {
		if f.Kind == "" {
			return pipeline.AuditRequest{}, errors.New("finding without kind")
		}
	}
	return pipeline.AuditRequest{
		ID:       uuid.NewString(),
		Chain:    chain,
		Target:   common.HexToAddress(body.Target),
		Tokens:   body.Tokens,
		Source:   body.Source,
		Validate: body.Validate,
		Findings: body.Findings,
		Block:    body.Block,
	}, nil
}

// Submit starts an audit. By default the audit runs in the background and
// the response carries its ID; progress is streamed on /ws. With ?wait=true
// the request blocks until the audit completes.
// POST /api/audits
func (h *AuditHandler) Submit(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseSubmit(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := h.withTimeout(r.Context())
		defer cancel()
		res, err := h.svc.Run(ctx, req)
		if err != nil && res.ID == "" {
			h.writeServiceError(w, r, "run audit", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	select {
	case h.slots <- struct{}{}:
	default:
		writeError(w, http.StatusServiceUnavailable, "too many audits running")
		return
	}
	go func() {
		defer func() { <-h.slots }()
		ctx, cancel := h.withTimeout(h.base)
		defer cancel()
		if _, err := h.svc.Run(ctx, req); err != nil {
			h.logger.WarnContext(ctx, "background audit failed",
				slog.String("audit", req.ID),
				slog.String("target", req.Target.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           req.ID,
		"status":       "accepted",
		"target":       req.Target.Hex(),
		"chain":        req.Chain,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *AuditHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// Get returns a stored audit result.
// GET /api/audits/{id}
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get audit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListRecent returns recent audit summaries.
// GET /api/audits/recent?limit=50&offset=0&since=2024-01-01T00:00:00Z
func (h *AuditHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.ListRecent(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, r, "list audits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": out})
}

// RecentOpportunities returns the latest modeled opportunities.
// GET /api/opportunities/recent?limit=50
func (h *AuditHandler) RecentOpportunities(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.RecentOpportunities(r.Context(), opts.Limit)
	if err != nil {
		h.writeServiceError(w, r, "list opportunities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": out})
}

// RecentExecutions returns the latest exploit executions.
// GET /api/executions/recent?limit=50
func (h *AuditHandler) RecentExecutions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.RecentExecutions(r.Context(), opts.Limit)
	if err != nil {
		h.writeServiceError(w, r, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// Evidence lists the archived objects of an audit.
// GET /api/audits/{id}/evidence
func (h *AuditHandler) Evidence(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	objs, err := h.svc.Evidence(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "list evidence", err)
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_id": id, "objects": objs})
}

// ArtifactSource returns the archived Solidity source of an exploit.
// GET /api/artifacts/{id}/source
func (h *AuditHandler) ArtifactSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.svc.ArtifactSource(r.Context(), pathParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "artifact source", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(src))
}

// writeServiceError maps domain sentinels to HTTP status codes.
func (h *AuditHandler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "an audit of this target is already running")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "audit timed out")
	default:
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
