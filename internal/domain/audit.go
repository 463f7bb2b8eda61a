package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OutcomeStatus summarizes one unit of work.
type OutcomeStatus string

const (
	// OutcomeOK means the stage ran and produced a result.
	OutcomeOK OutcomeStatus = "ok"
	// OutcomeNotApplicable means there was nothing to check (no price, no pool).
	OutcomeNotApplicable OutcomeStatus = "not_applicable"
	// OutcomeNegative means the stage ran and the exploit did not hold up.
	OutcomeNegative OutcomeStatus = "negative"
	// OutcomeFailed means the stage could not run.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSkipped means the stage was not requested or was aborted.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the status of a stage with its reason code.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason ReasonCode    `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// OK is the successful outcome.
func OK() Outcome { return Outcome{Status: OutcomeOK} }

// OutcomeFromError builds an outcome for err, choosing the status from the
// reason code's class.
func OutcomeFromError(err error) Outcome {
	reason := Classify(err)
	status := OutcomeFailed
	switch reason.Class() {
	case ClassNone:
		return OK()
	case ClassDataUnavailable:
		status = OutcomeNotApplicable
	case ClassValidation:
		status = OutcomeNegative
	}
	return Outcome{Status: status, Reason: reason, Detail: err.Error()}
}

// Snapshot is the set of prices captured for one evaluation. Comparator and
// modeler read only from it so prices cannot change mid-computation.
type Snapshot struct {
	ID         string                  `json:"id"`
	Chain      Chain                   `json:"chain"`
	CapturedAt time.Time               `json:"captured_at"`
	Contract   map[string][]TokenPrice `json:"contract"`
	Market     map[string]OracleQuote  `json:"market"`
	Native     TokenPrice              `json:"native"`
}

// Validation bundles the validation phase output for one vulnerability.
type Validation struct {
	Vulnerability VulnerabilityRef `json:"vulnerability"`
	Artifact      *ExploitArtifact `json:"artifact,omitempty"`
	Execution     *ExecutionResult `json:"execution,omitempty"`
	Profit        *ProfitReport    `json:"profit,omitempty"`
	Outcome       Outcome          `json:"outcome"`
}

// TokenAnalysis is the per-token part of an audit result.
type TokenAnalysis struct {
	Token          string                 `json:"token"`
	ContractPrices []TokenPrice           `json:"contract_prices,omitempty"`
	Market         *OracleQuote           `json:"market,omitempty"`
	Deviation      *PriceDeviation        `json:"deviation,omitempty"`
	Opportunities  []ArbitrageOpportunity `json:"opportunities"`
	Detection      Outcome                `json:"detection"`
	Validations    []Validation           `json:"validations,omitempty"`
}

// AuditResult is what the orchestrator returns for one contract.
type AuditResult struct {
	ID          string          `json:"id"`
	Target      common.Address  `json:"target"`
	Chain       Chain           `json:"chain"`
	SnapshotID  string          `json:"snapshot_id"`
	Tokens      []TokenAnalysis `json:"tokens"`
	Patterns    []Finding       `json:"patterns,omitempty"`
	Findings    []Validation    `json:"findings,omitempty"`
	Native      TokenPrice      `json:"native_price"`
	Source      Outcome         `json:"source"`
	Validation  Outcome         `json:"validation"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// HighestSeverity returns the worst severity across deviations and
// validated profits.
func (r AuditResult) HighestSeverity() Severity {
	best := SeverityNone
	consider := func(s Severity) {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	for _, t := range r.Tokens {
		if t.Deviation != nil && t.Deviation.Flagged() {
			consider(t.Deviation.Severity)
		}
		for _, v := range t.Validations {
			if v.Profit != nil {
				consider(v.Profit.Severity)
			}
		}
	}
	for _, v := range r.Findings {
		if v.Profit != nil {
			consider(v.Profit.Severity)
		}
	}
	return best
}

// AuditEvent is published on the event bus while an audit progresses.
type AuditEvent struct {
	AuditID string         `json:"audit_id"`
	Type    string         `json:"type"`
	Token   string         `json:"token,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Audit event types.
const (
	EventAuditStarted     = "audit_started"
	EventDeviationFlagged = "deviation_flagged"
	EventExploitValidated = "exploit_validated"
	EventValidationFailed = "validation_failed"
	EventAuditCompleted   = "audit_completed"
)
