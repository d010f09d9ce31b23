package risk

import (
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
)

// Params are the assessor's weights and normalization caps.
type Params struct {
	Weights config.RiskWeights

	VolatilityCap      float64 // annualized vol scored as 1.0
	CorrelationCap     float64 // pairwise correlation treated as correlated
	CorrelatedShareCap float64 // correlated portfolio share scored as 1.0
	LiquidationBuffer  float64 // distance to liquidation scored above 0
	RefDepth           float64
	RefVolume          float64

	// Vault defaults used when an Input leaves them zero.
	MaxPositionSize float64
	MaxDrawdown     float64
}

func FromConfig(c *config.Config) Params {
	return Params{
		Weights:            c.Risk.Weights,
		VolatilityCap:      c.Risk.VolatilityCap,
		CorrelationCap:     c.Risk.CorrelationCap,
		CorrelatedShareCap: c.Risk.CorrelatedShareCap,
		LiquidationBuffer:  c.Risk.LiquidationBuffer,
		RefDepth:           c.Risk.RefDepth,
		RefVolume:          c.Risk.RefVolume,
		MaxPositionSize:    c.Limits.MaxPositionSize,
		MaxDrawdown:        c.Limits.MaxDrawdown,
	}
}

// MarketState is the externally supplied view of one symbol. Zero depth
// and volume mean liquidity is unknown and scores as no risk.
type MarketState struct {
	Volatility   float64            // annualized, 0.8 = 80%
	Depth        float64            // order book depth in quote currency
	Volume24h    float64            // quote currency
	Correlations map[string]float64 // symbol -> correlation with this symbol
}

// Exposure is one open position as the assessor sees it.
type Exposure struct {
	PositionID       string
	Symbol           string
	Side             domain.Side
	Notional         float64
	MarkPrice        float64
	LiquidationPrice float64

	// ClusterRisk in [0,1] is how close a same-side liquidation cluster
	// sits to the mark price.
	ClusterRisk float64
}

// Input is everything one assessment needs.
type Input struct {
	VaultID    string
	PositionID string

	// Symbol is scored for volatility and liquidity when the vault holds
	// no positions.
	Symbol string

	Balance         float64
	PeakBalance     float64
	MaxPositionSize float64
	MaxDrawdown     float64

	Positions []Exposure
	Market    map[string]MarketState
}
