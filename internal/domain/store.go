package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditSummary is the list view of a stored audit run.
type AuditSummary struct {
	ID               string    `json:"id"`
	Target           string    `json:"target"`
	Chain            Chain     `json:"chain"`
	Severity         Severity  `json:"severity"`
	TokenCount       int       `json:"token_count"`
	OpportunityCount int       `json:"opportunity_count"`
	ValidatedCount   int       `json:"validated_count"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// AuditRunStore persists complete audit results.
type AuditRunStore interface {
	Save(ctx context.Context, result AuditResult) error
	GetByID(ctx context.Context, id string) (AuditResult, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]AuditSummary, error)
	// ListBefore returns runs completed before cutoff, oldest first.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditSummary, error)
	Delete(ctx context.Context, id string) error
}

// StoredOpportunity is an opportunity as persisted with its audit.
type StoredOpportunity struct {
	ArbitrageOpportunity
	AuditID   string    `json:"audit_id"`
	Chain     Chain     `json:"chain"`
	Validated *bool     `json:"validated,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OpportunityStore persists modeled arbitrage opportunities.
type OpportunityStore interface {
	InsertBatch(ctx context.Context, auditID string, chain Chain, opps []ArbitrageOpportunity) error
	MarkValidated(ctx context.Context, auditID, id string, validated bool) error
	ListRecent(ctx context.Context, limit int) ([]StoredOpportunity, error)
}

// ExecutionRecord is the persisted form of one validated exploit run.
type ExecutionRecord struct {
	ID              string            `json:"id"`
	AuditID         string            `json:"audit_id"`
	ArtifactID      string            `json:"artifact_id"`
	OpportunityID   string            `json:"opportunity_id,omitempty"`
	Target          string            `json:"target"`
	Chain           Chain             `json:"chain"`
	Vulnerability   VulnerabilityKind `json:"vulnerability"`
	Method          GenerationMethod  `json:"method"`
	ForkBlock       uint64            `json:"fork_block"`
	Success         bool              `json:"success"`
	RevertReason    string            `json:"revert_reason,omitempty"`
	GasUsed         uint64            `json:"gas_used"`
	NetProfitNative decimal.Decimal   `json:"net_profit_native"`
	ProfitUSD       decimal.Decimal   `json:"profit_usd"`
	ROIPercent      decimal.Decimal   `json:"roi_percent"`
	NativePriceUSD  decimal.Decimal   `json:"native_price_usd"`
	Severity        Severity          `json:"severity"`
	Reason          ReasonCode        `json:"reason,omitempty"`
	ArtifactKey     string            `json:"artifact_key,omitempty"`
	TraceKey        string            `json:"trace_key,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ExecutionStore persists exploit executions for later review.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	GetByArtifact(ctx context.Context, artifactID string) (ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	SumProfitUSD(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
