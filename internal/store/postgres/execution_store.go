package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionCols = `id, audit_id, artifact_id, opportunity_id, target, chain,
	vulnerability, method, fork_block, success, revert_reason, gas_used,
	net_profit_native, profit_usd, roi_percent, native_price_usd, severity,
	reason, artifact_key, trace_key, created_at`

// Create inserts an execution record.
func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (`+executionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		rec.ID, rec.AuditID, rec.ArtifactID, rec.OpportunityID, rec.Target, string(rec.Chain),
		string(rec.Vulnerability), string(rec.Method), int64(rec.ForkBlock), rec.Success, rec.RevertReason, int64(rec.GasUsed),
		rec.NetProfitNative, rec.ProfitUSD, rec.ROIPercent, rec.NativePriceUSD, string(rec.Severity),
		string(rec.Reason), rec.ArtifactKey, rec.TraceKey, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns one execution or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	return s.getOne(ctx, `SELECT `+executionCols+` FROM executions WHERE id = $1`, id)
}

// GetByArtifact returns the newest execution of an artifact.
func (s *ExecutionStore) GetByArtifact(ctx context.Context, artifactID string) (domain.ExecutionRecord, error) {
	return s.getOne(ctx,
		`SELECT `+executionCols+` FROM executions WHERE artifact_id = $1 ORDER BY created_at DESC LIMIT 1`,
		artifactID,
	)
}

// ListRecent returns the newest executions.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+executionCols+` FROM executions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ExecutionRecord, error) {
		return scanExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	return out, nil
}

// SumProfitUSD totals the USD profit of successful executions since a time.
func (s *ExecutionStore) SumProfitUSD(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(profit_usd), 0) FROM executions WHERE success AND profit_usd > 0 AND created_at >= $1`,
		since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum profit: %w", err)
	}
	return total, nil
}

func (s *ExecutionStore) getOne(ctx context.Context, query string, arg string) (domain.ExecutionRecord, error) {
	rec, err := scanExecution(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, domain.ErrNotFound
		}
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", arg, err)
	}
	return rec, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var (
		rec                                   domain.ExecutionRecord
		chain, vuln, method, severity, reason string
		forkBlock, gasUsed                    int64
	)
	err := row.Scan(&rec.ID, &rec.AuditID, &rec.ArtifactID, &rec.OpportunityID, &rec.Target, &chain,
		&vuln, &method, &forkBlock, &rec.Success, &rec.RevertReason, &gasUsed,
		&rec.NetProfitNative, &rec.ProfitUSD, &rec.ROIPercent, &rec.NativePriceUSD, &severity,
		&reason, &rec.ArtifactKey, &rec.TraceKey, &rec.CreatedAt,
	)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Chain = domain.Chain(chain)
	rec.Vulnerability = domain.VulnerabilityKind(vuln)
	rec.Method = domain.GenerationMethod(method)
	rec.Severity = domain.Severity(severity)
	rec.Reason = domain.ReasonCode(reason)
	rec.ForkBlock = uint64(forkBlock)
	rec.GasUsed = uint64(gasUsed)
	return rec, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
