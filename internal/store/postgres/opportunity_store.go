package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// InsertBatch stores every opportunity of an audit using a pgx Batch.
// Re-inserting the same (audit, id) pair is a no-op.
func (s *OpportunityStore) InsertBatch(ctx context.Context, auditID string, chain domain.Chain, opps []domain.ArbitrageOpportunity) error {
	if len(opps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO opportunities (
			audit_id, id, chain, token, strategy,
			input_amount, gross_profit, net_profit, currency,
			provisional, price_impact, severity, detail
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		) ON CONFLICT (audit_id, id) DO NOTHING`

	for _, o := range opps {
		detail, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("postgres: marshal opportunity %s: %w", o.ID, err)
		}
		batch.Queue(query,
			auditID, o.ID, string(chain), o.Token, o.Strategy.String(),
			o.InputAmount, o.GrossProfit, o.NetProfit, o.Currency,
			o.Provisional, o.PriceImpact, string(o.Severity), detail,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range opps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert opportunity batch item %d: %w", i, err)
		}
	}
	return nil
}

// MarkValidated records whether validation proved the opportunity.
func (s *OpportunityStore) MarkValidated(ctx context.Context, auditID, id string, validated bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET validated = $3 WHERE audit_id = $1 AND id = $2`,
		auditID, id, validated,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest opportunities across audits.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.StoredOpportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, chain, detail, validated, created_at
		FROM opportunities ORDER BY created_at DESC, net_profit DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StoredOpportunity, error) {
		var (
			so     domain.StoredOpportunity
			chain  string
			detail []byte
		)
		if err := row.Scan(&so.AuditID, &chain, &detail, &so.Validated, &so.CreatedAt); err != nil {
			return so, err
		}
		so.Chain = domain.Chain(chain)
		if err := json.Unmarshal(detail, &so.ArbitrageOpportunity); err != nil {
			return so, fmt.Errorf("unmarshal detail: %w", err)
		}
		return so, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan opportunities: %w", err)
	}
	return out, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
