package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// ProfitSummer totals validated exploit profit.
type ProfitSummer interface {
	ValidatedProfitUSD(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// StatusHandler reports how the backend is configured and what it has found.
type StatusHandler struct {
	mode      string
	chains    []domain.Chain
	policy    string
	startedAt time.Time
	profit    ProfitSummer
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. profit may be nil.
func NewStatusHandler(mode, policy string, chains []domain.Chain, profit ProfitSummer, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		chains:    chains,
		policy:    policy,
		startedAt: time.Now().UTC(),
		profit:    profit,
		logger:    logHandler(logger, "status"),
	}
}

// GetStatus responds with mode, chains and validated profit over the last
// 24 hours.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":              h.mode,
		"chains":            h.chains,
		"generation_policy": h.policy,
		"started_at":        h.startedAt.Format(time.RFC3339),
		"uptime_seconds":    int64(time.Since(h.startedAt).Seconds()),
	}
	if h.profit != nil {
		since := time.Now().UTC().Add(-24 * time.Hour)
		total, err := h.profit.ValidatedProfitUSD(r.Context(), since)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: profit summary failed", slog.String("error", err.Error()))
		} else {
			body["validated_profit_usd_24h"] = total.StringFixed(2)
		}
	}
	writeJSON(w, http.StatusOK, body)
}
