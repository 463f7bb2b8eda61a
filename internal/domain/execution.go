package domain

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ForkState is the lifecycle state of a fork session.
type ForkState string

const (
	ForkCreated  ForkState = "created"
	ForkActive   ForkState = "active"
	ForkTornDown ForkState = "torn_down"
)

// ForkInfo is the externally visible description of a fork session.
type ForkInfo struct {
	ID          string    `json:"id"`
	Chain       Chain     `json:"chain"`
	BlockNumber uint64    `json:"block_number"`
	Endpoint    string    `json:"endpoint"`
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	State       ForkState `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}

// ExecutionResult is the outcome of one exploit run on a fork. A revert is a
// valid result with Success=false.
type ExecutionResult struct {
	ArtifactID     string          `json:"artifact_id"`
	Fork           ForkInfo        `json:"fork"`
	Success        bool            `json:"success"`
	Account        string          `json:"account"`
	InitialBalance *big.Int        `json:"initial_balance"`
	FinalBalance   *big.Int        `json:"final_balance"`
	Capital        *big.Int        `json:"capital"`
	GasUsed        uint64          `json:"gas_used"`
	GasPrice       *big.Int        `json:"gas_price"`
	RevertReason   string          `json:"revert_reason,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	Trace          json.RawMessage `json:"trace,omitempty"`
	Duration       time.Duration   `json:"duration"`
}

// ProfitReport converts an ExecutionResult into native and USD profit.
type ProfitReport struct {
	ProfitWei       *big.Int        `json:"profit_wei"`
	GasCostWei      *big.Int        `json:"gas_cost_wei"`
	NetProfitWei    *big.Int        `json:"net_profit_wei"`
	ProfitNative    decimal.Decimal `json:"profit_native"`
	NetProfitNative decimal.Decimal `json:"net_profit_native"`
	ProfitUSD       decimal.Decimal `json:"profit_usd"`
	ROIPercent      decimal.Decimal `json:"roi_percent"`
	NetOfGas        bool            `json:"net_of_gas"`
	NativeSymbol    string          `json:"native_symbol"`
	// NativePrice is the USD rate used for conversion and when it was taken.
	NativePrice TokenPrice `json:"native_price"`
	Exploitable bool       `json:"exploitable"`
	Severity    Severity   `json:"severity"`
}
