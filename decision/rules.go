package decision

import (
	"fmt"
	"time"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/position"
	"github.com/rustyeddy/riskengine/risk"
)

// Rule names recorded on every decision.
const (
	RuleStale   = "R0_stale_input"
	RuleBlocked = "R1_trading_blocked"
	RuleOpen    = "R2_open"
	RuleScale   = "R3_scale"
	RuleReduce  = "R4_risk_reduce"
	RuleHold    = "R5_hold"
)

// Thresholds for the decision rules.
type Thresholds struct {
	MinStrength          float64
	MinConfidence        float64
	ScaleStrengthDelta   float64
	ReduceFraction       float64
	PartialCloseFraction float64
	RiskInterval         time.Duration
}

func ThresholdsFromConfig(c config.EngineConfig) Thresholds {
	return Thresholds{
		MinStrength:          c.MinStrength,
		MinConfidence:        c.MinConfidence,
		ScaleStrengthDelta:   c.ScaleStrengthDelta,
		ReduceFraction:       c.ReduceFraction,
		PartialCloseFraction: c.PartialCloseFraction,
		RiskInterval:         c.RiskInterval(),
	}
}

// Input is everything Decide looks at. Position is nil when the vault
// holds nothing on the signal's symbol.
type Input struct {
	Vault      domain.Vault
	Blocked    bool
	BlockCode  string
	Signal     domain.ConsensusSignal
	Assessment domain.RiskAssessment
	Position   *domain.Position
	Ladder     position.Ladder

	// Cluster is the nearest liquidation cluster on the side that would
	// push price in the position's favor.
	Cluster *domain.LiquidationCluster

	// PendingClose is set while a close on Position awaits execution.
	PendingClose bool

	Price      float64
	Thresholds Thresholds
	Now        time.Time
}

// Decide applies the decision rules in order and returns the first match.
// It does not touch any state; the returned decision has no id.
func Decide(in Input) domain.TradingDecision {
	d := domain.TradingDecision{
		VaultID:         in.Vault.ID,
		AggregationID:   in.Signal.ID,
		Symbol:          in.Signal.Symbol,
		DecisionType:    domain.DecisionHoldPosition,
		Decision:        domain.ActionHold,
		Confidence:      in.Signal.Confidence,
		RiskScore:       in.Assessment.OverallRiskScore,
		EntryPrice:      in.Price,
		ExecutionStatus: domain.ExecPending,
		CreatedAt:       in.Now,
		UpdatedAt:       in.Now,
	}
	if in.Position != nil {
		d.PositionID = in.Position.ID
		d.Side = in.Position.Side
	}

	if in.Signal.Expired(in.Now) {
		return hold(d, RuleStale, domain.CodeStaleAggregation,
			fmt.Sprintf("aggregation %s expired at %s", in.Signal.ID, in.Signal.ExpiresAt.Format(time.RFC3339)))
	}
	if err := risk.Fresh(in.Assessment, in.Now, in.Thresholds.RiskInterval); err != nil {
		return hold(d, RuleStale, domain.CodeStaleRiskAssessment, err.Error())
	}
	if in.Price <= 0 {
		return hold(d, RuleStale, domain.CodeNoPrice, "no mark price for "+in.Signal.Symbol)
	}

	if in.Blocked || !in.Vault.AutoTrading {
		code := in.BlockCode
		if code == "" {
			code = domain.CodeAutoTradingDisabled
		}
		return hold(d, RuleBlocked, code, "new risk blocked for vault "+in.Vault.ID)
	}

	if in.Position == nil {
		return decideOpen(in, d)
	}
	if out, ok := decideScale(in, d); ok {
		return out
	}
	if in.PendingClose {
		return hold(d, RuleHold, domain.CodeNone, "close already pending for position "+in.Position.ID)
	}
	if out, ok := Protect(in, d); ok {
		return out
	}
	return hold(d, RuleHold, domain.CodeNone, "no rule matched")
}

func hold(d domain.TradingDecision, rule, code, why string) domain.TradingDecision {
	d.DecisionType = domain.DecisionHoldPosition
	d.Decision = domain.ActionHold
	d.Rule = rule
	d.ReasonCode = code
	d.Reasoning = why
	return d
}

func decideOpen(in Input, d domain.TradingDecision) domain.TradingDecision {
	sig := in.Signal
	side, ok := sig.Signal.Side()
	switch {
	case !ok:
		return hold(d, RuleHold, domain.CodeNone, "consensus is hold")
	case sig.Strength < in.Thresholds.MinStrength:
		return hold(d, RuleHold, domain.CodeNone,
			fmt.Sprintf("strength %.3f below %.3f", sig.Strength, in.Thresholds.MinStrength))
	case sig.Confidence < in.Thresholds.MinConfidence:
		return hold(d, RuleHold, domain.CodeNone,
			fmt.Sprintf("confidence %.3f below %.3f", sig.Confidence, in.Thresholds.MinConfidence))
	case in.Assessment.RecommendedAction != domain.RecommendProceed:
		return hold(d, RuleHold, domain.CodeNone,
			fmt.Sprintf("risk %s recommends %s", in.Assessment.RiskLevel, in.Assessment.RecommendedAction))
	}

	st, err := in.Ladder.Stage(1)
	if err != nil {
		return hold(d, RuleHold, domain.ReasonCode(err), err.Error())
	}
	d.DecisionType = domain.DecisionOpenPosition
	d.Decision = domain.ActionBuy
	if side == domain.SideShort {
		d.Decision = domain.ActionSell
	}
	d.Side = side
	d.ScaleNumber = 1
	d.Leverage = st.Leverage
	d.PositionSize = st.BankrollPct
	d.TriggerReason = domain.TriggerInitialEntry
	d.TargetPrice, d.StopPrice = Targets(side, in.Price, sig.ExpectedReturn, sig.MaxRisk)
	d.Rule = RuleOpen
	d.Reasoning = fmt.Sprintf("%s consensus strength %.3f confidence %.3f, risk %s", sig.Signal, sig.Strength, sig.Confidence, in.Assessment.RiskLevel)
	return d
}

func decideScale(in Input, d domain.TradingDecision) (domain.TradingDecision, bool) {
	p, sig := in.Position, in.Signal
	side, ok := sig.Signal.Side()
	if !ok || side != p.Side || in.Assessment.RecommendedAction != domain.RecommendProceed {
		return d, false
	}
	if p.Stage != domain.StageOpen && p.Stage != domain.StageScaling {
		return d, false
	}

	stronger := sig.Strength >= p.EntryStrength+in.Thresholds.ScaleStrengthDelta
	favored := in.Cluster != nil
	if !stronger && !favored {
		return d, false
	}

	d.DecisionType = domain.DecisionScalePosition
	d.Decision = domain.ActionScaleUp
	d.Rule = RuleScale
	d.TargetPrice = p.TargetPrice
	d.StopPrice = p.StopLossPrice
	d.TriggerReason = domain.TriggerBetterSignal
	if !stronger {
		d.TriggerReason = domain.TriggerLiquidationCluster
	}

	if p.ScaleCount >= p.MaxScaleCount {
		d.ExecutionStatus = domain.ExecFailed
		d.ReasonCode = domain.CodeScaleLimitExceeded
		d.Reasoning = fmt.Sprintf("position %s at %d of %d scales", p.ID, p.ScaleCount, p.MaxScaleCount)
		return d, true
	}
	st, err := in.Ladder.Stage(p.ScaleCount + 1)
	if err != nil {
		d.ExecutionStatus = domain.ExecFailed
		d.ReasonCode = domain.ReasonCode(err)
		d.Reasoning = err.Error()
		return d, true
	}
	d.ScaleNumber = st.Number
	d.Leverage = st.Leverage
	d.PositionSize = st.BankrollPct
	if stronger {
		d.Reasoning = fmt.Sprintf("strength %.3f over entry %.3f", sig.Strength, p.EntryStrength)
	} else {
		d.Reasoning = fmt.Sprintf("%s cluster at %.6f strength %.0f", in.Cluster.Side, in.Cluster.PriceLevel, in.Cluster.ClusterStrength)
	}
	return d, true
}

// Protect returns the risk-reducing decision for an open position when the
// assessment asks for one and no close is already pending. It ignores
// breakers, which only block new risk.
func Protect(in Input, d domain.TradingDecision) (domain.TradingDecision, bool) {
	p := in.Position
	if p == nil || !p.Active() || in.PendingClose {
		return d, false
	}
	a := in.Assessment
	switch a.RecommendedAction {
	case domain.RecommendReduceSize:
		d.PositionSize = in.Thresholds.ReduceFraction
		d.Decision = domain.ActionScaleDown
		d.ClosureType = domain.ClosurePartial
	case domain.RecommendClosePosition:
		if a.RiskLevel == domain.RiskCritical {
			d.PositionSize = 1
			d.Decision = domain.ActionSell
			if p.Side == domain.SideShort {
				d.Decision = domain.ActionBuy
			}
			d.ClosureType = domain.ClosureFull
		} else {
			d.PositionSize = in.Thresholds.PartialCloseFraction
			d.Decision = domain.ActionScaleDown
			d.ClosureType = domain.ClosurePartial
		}
	default:
		return d, false
	}
	d.DecisionType = domain.DecisionClosePosition
	d.PositionID = p.ID
	d.Side = p.Side
	d.Rule = RuleReduce
	d.Reasoning = fmt.Sprintf("risk %s score %.3f recommends %s", a.RiskLevel, a.OverallRiskScore, a.RecommendedAction)
	return d, true
}

// Targets turns the consensus expected return and max risk into take-profit
// and stop prices. A zero input leaves that price unset.
func Targets(side domain.Side, price, expectedReturn, maxRisk float64) (target, stop float64) {
	s := side.Sign()
	if expectedReturn > 0 {
		target = price * (1 + s*expectedReturn)
	}
	if maxRisk > 0 && maxRisk < 1 {
		stop = price * (1 - s*maxRisk)
	}
	return target, stop
}
