package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// AuditRunStore implements domain.AuditRunStore using PostgreSQL. The full
// result is kept as JSONB next to the summary columns list views read.
type AuditRunStore struct {
	pool *pgxpool.Pool
}

// NewAuditRunStore creates a new AuditRunStore backed by the given pool.
func NewAuditRunStore(pool *pgxpool.Pool) *AuditRunStore {
	return &AuditRunStore{pool: pool}
}

const summaryCols = `id, target, chain, severity, token_count, opportunity_count,
	validated_count, started_at, completed_at`

// Save upserts an audit result.
func (s *AuditRunStore) Save(ctx context.Context, r domain.AuditResult) error {
	if r.ID == "" {
		return fmt.Errorf("postgres: save audit run: empty id: %w", domain.ErrInvalidInput)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit run %s: %w", r.ID, err)
	}
	sum := summarize(r)

	const query = `
		INSERT INTO audit_runs (
			id, target, chain, severity, token_count, opportunity_count,
			validated_count, result, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			token_count = EXCLUDED.token_count,
			opportunity_count = EXCLUDED.opportunity_count,
			validated_count = EXCLUDED.validated_count,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at`

	_, err = s.pool.Exec(ctx, query,
		sum.ID, sum.Target, string(sum.Chain), string(sum.Severity),
		sum.TokenCount, sum.OpportunityCount, sum.ValidatedCount,
		body, sum.StartedAt, sum.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save audit run %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns the stored result or domain.ErrNotFound.
func (s *AuditRunStore) GetByID(ctx context.Context, id string) (domain.AuditResult, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM audit_runs WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuditResult{}, domain.ErrNotFound
		}
		return domain.AuditResult{}, fmt.Errorf("postgres: get audit run %s: %w", id, err)
	}
	var r domain.AuditResult
	if err := json.Unmarshal(body, &r); err != nil {
		return domain.AuditResult{}, fmt.Errorf("postgres: unmarshal audit run %s: %w", id, err)
	}
	return r, nil
}

// ListRecent returns summaries, newest first.
func (s *AuditRunStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.AuditSummary, error) {
	query := `SELECT ` + summaryCols + ` FROM audit_runs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND completed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND completed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY completed_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.querySummaries(ctx, query, args...)
}

// ListBefore returns runs completed before cutoff, oldest first.
func (s *AuditRunStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.AuditSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySummaries(ctx,
		`SELECT `+summaryCols+` FROM audit_runs WHERE completed_at < $1 ORDER BY completed_at ASC LIMIT $2`,
		cutoff, limit,
	)
}

// Delete removes a run together with its opportunities and executions.
func (s *AuditRunStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete audit run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *AuditRunStore) querySummaries(ctx context.Context, query string, args ...any) ([]domain.AuditSummary, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit runs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditSummary, error) {
		var (
			sm              domain.AuditSummary
			chain, severity string
		)
		err := row.Scan(&sm.ID, &sm.Target, &chain, &severity, &sm.TokenCount,
			&sm.OpportunityCount, &sm.ValidatedCount, &sm.StartedAt, &sm.CompletedAt)
		sm.Chain = domain.Chain(chain)
		sm.Severity = domain.Severity(severity)
		return sm, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit runs: %w", err)
	}
	return out, nil
}

// summarize derives the list columns from a result.
func summarize(r domain.AuditResult) domain.AuditSummary {
	sm := domain.AuditSummary{
		ID:          r.ID,
		Target:      r.Target.Hex(),
		Chain:       r.Chain,
		Severity:    r.HighestSeverity(),
		TokenCount:  len(r.Tokens),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if sm.CompletedAt.IsZero() {
		sm.CompletedAt = time.Now().UTC()
	}
	if sm.StartedAt.IsZero() {
		sm.StartedAt = sm.CompletedAt
	}
	count := func(vs []domain.Validation) {
		for _, v := range vs {
			if v.Profit != nil && v.Profit.Exploitable {
				sm.ValidatedCount++
			}
		}
	}
	for _, t := range r.Tokens {
		sm.OpportunityCount += len(t.Opportunities)
		count(t.Validations)
	}
	count(r.Findings)
	return sm
}

var _ domain.AuditRunStore = (*AuditRunStore)(nil)
