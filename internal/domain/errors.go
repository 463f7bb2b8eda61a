package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// Data unavailable.
	ErrNoPriceExtracted  = errors.New("no price extracted")
	ErrNoPool            = errors.New("no liquidity pool for token")
	ErrSourceUnavailable = errors.New("contract source unavailable")
	ErrNotComparable     = errors.New("prices not comparable")

	// Transient infrastructure.
	ErrRPCTimeout       = errors.New("rpc timeout")
	ErrRPC              = errors.New("rpc error")
	ErrForkStartTimeout = errors.New("fork did not become ready in time")

	// Validation.
	ErrExtractionFailed  = errors.New("price extraction failed")
	ErrCompileFailed     = errors.New("exploit failed to compile")
	ErrShapeRejected     = errors.New("generated exploit rejected by shape check")
	ErrNoTemplate        = errors.New("no exploit template for vulnerability")
	ErrExecutionReverted = errors.New("exploit execution reverted")
	ErrUnknownStrategy   = errors.New("unknown strategy kind")

	// Fatal infrastructure.
	ErrToolingMissing   = errors.New("local execution tooling missing")
	ErrForkUnavailable  = errors.New("fork endpoint unavailable")
	ErrPortsExhausted   = errors.New("no free fork ports")
	ErrGeneratorOffline = errors.New("exploit generator unavailable")
)

// ReasonCode is the machine-readable cause attached to every non-success
// outcome so callers can tell "nothing found" from "could not check".
type ReasonCode string

const (
	ReasonNone ReasonCode = ""

	ReasonNoPriceExtracted  ReasonCode = "no_price_extracted"
	ReasonNoPool            ReasonCode = "no_pool"
	ReasonSourceUnavailable ReasonCode = "source_unavailable"
	ReasonNotComparable     ReasonCode = "not_comparable"
	ReasonBelowThreshold    ReasonCode = "below_threshold"
	ReasonNoOpportunity     ReasonCode = "no_profitable_opportunity"

	ReasonRPCTimeout       ReasonCode = "rpc_timeout"
	ReasonRPCError         ReasonCode = "rpc_error"
	ReasonForkStartTimeout ReasonCode = "fork_start_timeout"
	ReasonCanceled         ReasonCode = "canceled"

	ReasonExtractionFailed  ReasonCode = "extraction_failed"
	ReasonCompileFailed     ReasonCode = "compile_failed"
	ReasonShapeRejected     ReasonCode = "shape_rejected"
	ReasonNoTemplate        ReasonCode = "no_template"
	ReasonExecutionReverted ReasonCode = "execution_reverted"
	ReasonNotProfitable     ReasonCode = "not_profitable"

	ReasonToolingMissing   ReasonCode = "tooling_missing"
	ReasonForkUnavailable  ReasonCode = "fork_unavailable"
	ReasonGeneratorOffline ReasonCode = "generator_offline"

	ReasonInternal ReasonCode = "internal"
)

// ErrorClass groups reason codes by how the pipeline reacts to them.
type ErrorClass string

const (
	ClassNone            ErrorClass = ""
	ClassDataUnavailable ErrorClass = "data_unavailable"
	ClassTransient       ErrorClass = "transient_infra"
	ClassValidation      ErrorClass = "validation_failure"
	ClassFatal           ErrorClass = "fatal_infra"
)

var reasonTable = []struct {
	err    error
	reason ReasonCode
}{
	{ErrNoPriceExtracted, ReasonNoPriceExtracted},
	{ErrNoPool, ReasonNoPool},
	{ErrSourceUnavailable, ReasonSourceUnavailable},
	{ErrNotComparable, ReasonNotComparable},
	{ErrRPCTimeout, ReasonRPCTimeout},
	{ErrRPC, ReasonRPCError},
	{ErrForkStartTimeout, ReasonForkStartTimeout},
	{ErrExtractionFailed, ReasonExtractionFailed},
	{ErrCompileFailed, ReasonCompileFailed},
	{ErrShapeRejected, ReasonShapeRejected},
	{ErrNoTemplate, ReasonNoTemplate},
	{ErrExecutionReverted, ReasonExecutionReverted},
	{ErrToolingMissing, ReasonToolingMissing},
	{ErrForkUnavailable, ReasonForkUnavailable},
	{ErrPortsExhausted, ReasonForkUnavailable},
	{ErrGeneratorOffline, ReasonGeneratorOffline},
}

// Classify maps an error to its reason code.
func Classify(err error) ReasonCode {
	if err == nil {
		return ReasonNone
	}
	for _, e := range reasonTable {
		if errors.Is(err, e.err) {
			return e.reason
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonRPCTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}
	return ReasonInternal
}

// Class returns the error class of a reason code.
func (r ReasonCode) Class() ErrorClass {
	switch r {
	case ReasonNone:
		return ClassNone
	case ReasonNoPriceExtracted, ReasonNoPool, ReasonSourceUnavailable, ReasonNotComparable,
		ReasonBelowThreshold, ReasonNoOpportunity:
		return ClassDataUnavailable
	case ReasonRPCTimeout, ReasonRPCError, ReasonForkStartTimeout, ReasonCanceled:
		return ClassTransient
	case ReasonExtractionFailed, ReasonCompileFailed, ReasonShapeRejected, ReasonNoTemplate,
		ReasonExecutionReverted, ReasonNotProfitable:
		return ClassValidation
	default:
		return ClassFatal
	}
}
