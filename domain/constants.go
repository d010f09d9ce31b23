package domain

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign is +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// SignalType classifies a raw or consensus signal.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// Side maps a directional signal to the position side it would open.
// Hold signals report ok=false.
func (t SignalType) Side() (Side, bool) {
	switch t {
	case SignalBuy:
		return SideLong, true
	case SignalSell:
		return SideShort, true
	default:
		return "", false
	}
}

type AggregationType string

const (
	AggregationConsensus       AggregationType = "consensus"
	AggregationWeightedAverage AggregationType = "weighted_average"
	AggregationMLEnsemble      AggregationType = "ml_ensemble"
)

type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// Stage is the position state machine state.
type Stage string

const (
	StageNone       Stage = "NONE"
	StageOpen       Stage = "OPEN"
	StageScaling    Stage = "SCALING"
	StageTrailing   Stage = "TRAILING"
	StageClosing    Stage = "CLOSING"
	StageClosed     Stage = "CLOSED"
	StageLiquidated Stage = "LIQUIDATED"
)

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageLiquidated
}

type TriggerReason string

const (
	TriggerInitialEntry       TriggerReason = "initial_entry"
	TriggerBetterSignal       TriggerReason = "better_signal"
	TriggerLiquidationCluster TriggerReason = "liquidation_cluster"
)

type ClosureType string

const (
	ClosurePartial     ClosureType = "partial"
	ClosureFull        ClosureType = "full"
	ClosureLiquidation ClosureType = "liquidation"
	ClosureStopLoss    ClosureType = "stop_loss"
	ClosureTakeProfit  ClosureType = "take_profit"
)

type DecisionType string

const (
	DecisionOpenPosition  DecisionType = "open_position"
	DecisionScalePosition DecisionType = "scale_position"
	DecisionClosePosition DecisionType = "close_position"
	DecisionHoldPosition  DecisionType = "hold"
)

// Action is the concrete instruction carried by a TradingDecision.
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionHold      Action = "hold"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecExecuting ExecutionStatus = "executing"
	ExecExecuted  ExecutionStatus = "executed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecExecuted || s == ExecFailed || s == ExecCancelled
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RecommendedAction string

const (
	RecommendProceed       RecommendedAction = "proceed"
	RecommendReduceSize    RecommendedAction = "reduce_size"
	RecommendClosePosition RecommendedAction = "close_position"
)

// BalanceChangeType tags BalanceChange records.
type BalanceChangeType string

const (
	ChangeDeposit BalanceChangeType = "deposit"
	ChangeReserve BalanceChangeType = "reserve"
	ChangeCommit  BalanceChangeType = "commit"
	ChangeRelease BalanceChangeType = "release"
	ChangePnl     BalanceChangeType = "pnl"
	ChangeSettle  BalanceChangeType = "settle"
)
