package domain

import (
	"github.com/pkg/errors"
)

var (
	// ErrInsufficientSignals is returned when too few independent sources
	// contributed to an aggregation window, or their weighted confidence is
	// below threshold.
	ErrInsufficientSignals = errors.New("insufficient signals")

	// ErrStaleAggregation is returned when a consensus signal is read after
	// its expires_at.
	ErrStaleAggregation = errors.New("stale aggregation")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	ErrScaleLimitExceeded    = errors.New("scale limit exceeded")
	ErrCircuitBreakerActive  = errors.New("circuit breaker active")

	// ErrStaleRiskAssessment is returned when the latest assessment is older
	// than risk_assessment_interval_minutes.
	ErrStaleRiskAssessment = errors.New("stale risk assessment")

	// ErrUnsupportedAggregation is returned for aggregation types the
	// aggregator cannot compute locally.
	ErrUnsupportedAggregation = errors.New("unsupported aggregation type")

	// ErrVaultHalted is returned for every operation on a vault that was
	// stopped after an invariant violation, until an operator resumes it.
	ErrVaultHalted = errors.New("vault halted")

	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Reason codes recorded on decisions and surfaced to collaborators.
const (
	CodeNone                  = ""
	CodeInsufficientSignals   = "INSUFFICIENT_SIGNALS"
	CodeStaleAggregation      = "STALE_AGGREGATION"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodePositionLimitExceeded = "POSITION_LIMIT_EXCEEDED"
	CodeScaleLimitExceeded    = "SCALE_LIMIT_EXCEEDED"
	CodeInvariantViolation    = "INVARIANT_VIOLATION"
	CodeCircuitBreakerActive  = "CIRCUIT_BREAKER_ACTIVE"
	CodeStaleRiskAssessment   = "STALE_RISK_ASSESSMENT"
	CodeAutoTradingDisabled   = "AUTO_TRADING_DISABLED"
	CodeVaultHalted           = "VAULT_HALTED"
	CodeLiquidated            = "POSITION_LIQUIDATED"
	CodeNoPrice               = "NO_PRICE"
	CodeInternal              = "INTERNAL"
)

// ReasonCode maps an error from the taxonomy to its reason code.
func ReasonCode(err error) string {
	if err == nil {
		return CodeNone
	}
	var iv *InvariantViolation
	switch {
	case errors.As(err, &iv):
		return CodeInvariantViolation
	case errors.Is(err, ErrVaultHalted):
		return CodeVaultHalted
	case errors.Is(err, ErrInsufficientSignals):
		return CodeInsufficientSignals
	case errors.Is(err, ErrStaleAggregation):
		return CodeStaleAggregation
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrPositionLimitExceeded):
		return CodePositionLimitExceeded
	case errors.Is(err, ErrScaleLimitExceeded):
		return CodeScaleLimitExceeded
	case errors.Is(err, ErrCircuitBreakerActive):
		return CodeCircuitBreakerActive
	case errors.Is(err, ErrStaleRiskAssessment):
		return CodeStaleRiskAssessment
	default:
		return CodeInternal
	}
}

// IsInputError reports whether err is an input-data problem that resolves
// to a hold decision rather than a failed one.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInsufficientSignals) ||
		errors.Is(err, ErrStaleAggregation) ||
		errors.Is(err, ErrStaleRiskAssessment)
}

// IsLimitError reports whether err is a balance or limit rejection.
func IsLimitError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPositionLimitExceeded) ||
		errors.Is(err, ErrScaleLimitExceeded) ||
		errors.Is(err, ErrCircuitBreakerActive)
}
