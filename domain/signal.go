package domain

import (
	"math"
	"time"
)

// ProcessedSignal is one source's normalized view of a symbol.
type ProcessedSignal struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	Symbol           string     `json:"symbol"`
	Timeframe        string     `json:"timeframe"`
	SignalType       SignalType `json:"signal_type"`
	Confidence       float64    `json:"confidence"`
	QualityScore     float64    `json:"quality_score"`
	AdjustedStrength float64    `json:"adjusted_strength"`
	ExpectedReturn   float64    `json:"expected_return"`
	MaxRisk          float64    `json:"max_risk"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Contribution pairs a contributing signal with its normalized weight.
type Contribution struct {
	SignalID string  `json:"signal_id"`
	Weight   float64 `json:"weight"`
}

// WeightEpsilon bounds how far contribution weights may drift from 1.
const WeightEpsilon = 1e-9

// ConsensusSignal is the single aggregated signal for a (symbol, timeframe).
// It is immutable once built; a newer aggregation supersedes it.
type ConsensusSignal struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Timeframe       string          `json:"timeframe"`
	AggregationType AggregationType `json:"aggregation_type"`
	Contributions   []Contribution  `json:"contributions"`

	Signal         SignalType `json:"consensus_signal"`
	Strength       float64    `json:"consensus_strength"`
	Confidence     float64    `json:"consensus_confidence"`
	ExpectedReturn float64    `json:"expected_return"`
	MaxRisk        float64    `json:"max_risk"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Metadata  Metadata  `json:"metadata"`
}

// Expired reports whether the signal may no longer be consumed at now.
func (c ConsensusSignal) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CheckContributions verifies that weights are non-negative and sum to one.
func (c ConsensusSignal) CheckContributions() error {
	if len(c.Contributions) == 0 {
		return nil
	}
	sum := 0.0
	for _, ct := range c.Contributions {
		if ct.Weight < 0 || math.IsNaN(ct.Weight) {
			return Violation(InvContributions, "signal %s has weight %v", ct.SignalID, ct.Weight)
		}
		sum += ct.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return Violation(InvContributions, "aggregation %s weights sum to %v", c.ID, sum)
	}
	return nil
}
