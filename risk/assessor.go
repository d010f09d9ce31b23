package risk

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
)

// Band maps a composite score to its risk level.
func Band(score float64) domain.RiskLevel {
	switch {
	case score < 0.20:
		return domain.RiskLow
	case score < 0.40:
		return domain.RiskModerate
	case score < 0.60:
		return domain.RiskMedium
	case score < 0.80:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// ActionFor returns the recommended action for a level and whether auto
// trading must be halted.
func ActionFor(level domain.RiskLevel) (domain.RecommendedAction, bool) {
	switch level {
	case domain.RiskMedium:
		return domain.RecommendReduceSize, false
	case domain.RiskHigh:
		return domain.RecommendClosePosition, false
	case domain.RiskCritical:
		return domain.RecommendClosePosition, true
	default:
		return domain.RecommendProceed, false
	}
}

// Assessor computes risk assessments. It is stateless and safe for
// concurrent use.
type Assessor struct {
	p Params
}

func NewAssessor(p Params) (*Assessor, error) {
	w := p.Weights
	for _, v := range []float64{w.Volatility, w.Exposure, w.Drawdown, w.Liquidity, w.Correlation} {
		if v < 0 || math.IsNaN(v) {
			return nil, domain.Violation(domain.InvRiskWeights, "negative weight in %+v", w)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return nil, domain.Violation(domain.InvRiskWeights, "weights sum to %.6f", w.Sum())
	}
	return &Assessor{p: p}, nil
}

func (a *Assessor) Params() Params { return a.p }

// Assess scores in at now.
func (a *Assessor) Assess(in Input, now time.Time) domain.RiskAssessment {
	maxSize := in.MaxPositionSize
	if maxSize <= 0 {
		maxSize = a.p.MaxPositionSize
	}
	maxDD := in.MaxDrawdown
	if maxDD <= 0 {
		maxDD = a.p.MaxDrawdown
	}

	var notional, largest, vol, liq, liqRisk float64
	for _, e := range in.Positions {
		n := math.Abs(e.Notional)
		notional += n
		largest = math.Max(largest, n)
		m := in.Market[e.Symbol]
		vol += n * m.Volatility
		liq += n * LiquidityScore(m.Depth, m.Volume24h, a.p.RefDepth, a.p.RefVolume)
		liqRisk = math.Max(liqRisk, LiquidationProximity(e.MarkPrice, e.LiquidationPrice, a.p.LiquidationBuffer))
		liqRisk = math.Max(liqRisk, clamp01(e.ClusterRisk))
	}
	if notional > 0 {
		vol /= notional
		liq /= notional
	} else {
		m := in.Market[in.Symbol]
		vol = m.Volatility
		liq = LiquidityScore(m.Depth, m.Volume24h, a.p.RefDepth, a.p.RefVolume)
	}

	volScore := VolatilityScore(vol, a.p.VolatilityCap)
	expScore := ExposureScore(notional, in.Balance, maxSize)
	ddScore := DrawdownScore(in.Balance, in.PeakBalance, maxDD)
	liqScore := clamp01(liq)
	corrScore := a.correlationScore(in)

	w := a.p.Weights
	overall := clamp01(w.Volatility*volScore +
		w.Exposure*expScore +
		w.Drawdown*ddScore +
		w.Liquidity*liqScore +
		w.Correlation*corrScore)

	level := Band(overall)
	action, halt := ActionFor(level)
	var1, var7 := VaR(vol)

	concentration := 0.0
	if in.Balance > 0 {
		concentration = clamp01(largest / in.Balance)
	} else if largest > 0 {
		concentration = 1
	}

	return domain.RiskAssessment{
		ID:                id.At(now),
		VaultID:           in.VaultID,
		PositionID:        in.PositionID,
		Volatility:        vol,
		Var1d:             var1,
		Var7d:             var7,
		LiquidationRisk:   liqRisk,
		CorrelationRisk:   corrScore,
		ConcentrationRisk: concentration,
		MarketRisk:        volScore,
		LiquidityRisk:     liqScore,
		Exposure:          expScore,
		Drawdown:          ddScore,
		OverallRiskScore:  overall,
		RiskLevel:         level,
		RecommendedAction: action,
		HaltAutoTrading:   halt,
		CreatedAt:         now,
	}
}

// correlationScore is the notional share of positions that are correlated
// with another held position, relative to the allowed share.
func (a *Assessor) correlationScore(in Input) float64 {
	if len(in.Positions) < 2 || a.p.CorrelatedShareCap <= 0 {
		return 0
	}
	var total, correlated float64
	for i, e := range in.Positions {
		n := math.Abs(e.Notional)
		total += n
		for j, o := range in.Positions {
			if i == j {
				continue
			}
			if corr(in.Market, e.Symbol, o.Symbol) > a.p.CorrelationCap {
				correlated += n
				break
			}
		}
	}
	if total == 0 {
		return 0
	}
	return clamp01(correlated / total / a.p.CorrelatedShareCap)
}

func corr(market map[string]MarketState, a, b string) float64 {
	if a == b {
		return 1
	}
	if c, ok := market[a].Correlations[b]; ok {
		return c
	}
	return market[b].Correlations[a]
}

// Fresh rejects an assessment older than interval at now.
func Fresh(a domain.RiskAssessment, now time.Time, interval time.Duration) error {
	if a.CreatedAt.IsZero() {
		return errors.Wrap(domain.ErrStaleRiskAssessment, "no assessment")
	}
	if age := now.Sub(a.CreatedAt); age > interval {
		return errors.Wrapf(domain.ErrStaleRiskAssessment, "assessment %s is %s old", a.ID, age.Round(time.Second))
	}
	return nil
}
