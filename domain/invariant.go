package domain

import "fmt"

// InvariantViolation signals a logic bug: a state the engine must never
// reach, such as leverage rising across scale stages or a trailing stop
// moving against the position. It is never recovered from in place.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

// Violation builds an InvariantViolation. Builds tagged riskdebug panic
// here so the bug surfaces at its origin; release builds return the error
// and the caller halts the affected vault.
func Violation(invariant, format string, args ...any) error {
	err := &InvariantViolation{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
	if debugBuild {
		panic(err)
	}
	return err
}

// Invariant names.
const (
	InvLadderMonotonic   = "ladder_monotonic"
	InvScaleCount        = "scale_count"
	InvTrailingMonotonic = "trailing_monotonic"
	InvBalance           = "balance"
	InvRiskWeights       = "risk_weights"
	InvContributions     = "contributions"
)

// DebugBuild reports whether Violation panics.
func DebugBuild() bool { return debugBuild }
