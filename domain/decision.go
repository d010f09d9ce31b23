package domain

import (
	"time"

	"github.com/pkg/errors"
)

// TradingDecision is what the engine decided for one vault given one
// consensus signal. It is handed to the execution collaborator and is
// terminal once executed, failed or cancelled.
type TradingDecision struct {
	ID            string `json:"id"`
	VaultID       string `json:"vault_id"`
	AggregationID string `json:"aggregation_id"`
	PositionID    string `json:"position_id,omitempty"`
	Symbol        string `json:"symbol"`

	DecisionType DecisionType `json:"decision_type"`
	Decision     Action       `json:"decision"`
	Side         Side         `json:"side,omitempty"`

	Confidence   float64 `json:"confidence"`
	RiskScore    float64 `json:"risk_score"`
	PositionSize float64 `json:"position_size"`
	Leverage     float64 `json:"leverage"`
	EntryPrice   float64 `json:"entry_price"`
	TargetPrice  float64 `json:"target_price"`
	StopPrice    float64 `json:"stop_price"`

	ScaleNumber   int           `json:"scale_number,omitempty"`
	TriggerReason TriggerReason `json:"trigger_reason,omitempty"`
	ClosureType   ClosureType   `json:"closure_type,omitempty"`

	Rule          string `json:"rule"`
	Reasoning     string `json:"reasoning"`
	ReasonCode    string `json:"reason_code,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`

	ExecutionStatus ExecutionStatus `json:"execution_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Metadata        Metadata        `json:"metadata"`
}

// Actionable reports whether the decision needs execution at all.
func (d TradingDecision) Actionable() bool {
	return d.DecisionType != DecisionHoldPosition
}

// RiskIncreasing reports whether executing the decision adds exposure.
func (d TradingDecision) RiskIncreasing() bool {
	return d.DecisionType == DecisionOpenPosition || d.DecisionType == DecisionScalePosition
}

var allowedExec = map[ExecutionStatus][]ExecutionStatus{
	ExecPending:   {ExecExecuting, ExecExecuted, ExecFailed, ExecCancelled},
	ExecExecuting: {ExecExecuted, ExecFailed, ExecCancelled},
}

// Transition moves the decision to next, stamping UpdatedAt. Terminal
// decisions never change.
func (d *TradingDecision) Transition(next ExecutionStatus, now time.Time) error {
	for _, s := range allowedExec[d.ExecutionStatus] {
		if s == next {
			d.ExecutionStatus = next
			d.UpdatedAt = now
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "decision %s: %s -> %s", d.ID, d.ExecutionStatus, next)
}
