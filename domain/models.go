package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is an isolated trading account. Balances move only through the
// ledger; every change is paired with a BalanceChange record.
type Vault struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	CurrentBalance   decimal.Decimal `json:"current_balance" yaml:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance" yaml:"available_balance"`
	ReservedBalance  decimal.Decimal `json:"reserved_balance" yaml:"reserved_balance"`
	PeakBalance      decimal.Decimal `json:"peak_balance" yaml:"peak_balance"`

	MaxPositions     int     `json:"max_positions" yaml:"max_positions"`
	CurrentPositions int     `json:"current_positions" yaml:"current_positions"`
	MaxPositionSize  float64 `json:"max_position_size" yaml:"max_position_size"`
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdown      float64 `json:"max_drawdown" yaml:"max_drawdown"`

	RiskLevel   RiskLevel `json:"risk_level" yaml:"risk_level"`
	AutoTrading bool      `json:"auto_trading" yaml:"auto_trading"`
	Timezone    string    `json:"timezone" yaml:"timezone"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Location resolves the vault's timezone, falling back to UTC.
func (v Vault) Location() *time.Location {
	if v.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(v.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BalanceChange is the audit record for one ledger mutation. Balance
// before/after track current_balance.
type BalanceChange struct {
	ID             string            `json:"id"`
	VaultID        string            `json:"vault_id"`
	ChangeType     BalanceChangeType `json:"change_type"`
	ReferenceID    string            `json:"reference_id"`
	BalanceBefore  decimal.Decimal   `json:"balance_before"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	ChangeAmount   decimal.Decimal   `json:"change_amount"`
	AvailableAfter decimal.Decimal   `json:"available_after"`
	ReservedAfter  decimal.Decimal   `json:"reserved_after"`
	Reason         string            `json:"reason"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Position is a leveraged position built from one or more scale stages.
type Position struct {
	ID      string         `json:"id"`
	VaultID string         `json:"vault_id"`
	Symbol  string         `json:"symbol"`
	Side    Side           `json:"side"`
	Status  PositionStatus `json:"status"`
	Stage   Stage          `json:"stage"`

	AverageEntryPrice float64 `json:"average_entry_price"`
	InitialEntryPrice float64 `json:"initial_entry_price"`
	TargetPrice       float64 `json:"target_price"`
	TotalSize         float64 `json:"total_size"`
	TotalValue        float64 `json:"total_value"`

	MarginUsed    decimal.Decimal `json:"margin_used"`
	UnrealizedPnl float64         `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`

	ScaleCount    int `json:"scale_count"`
	MaxScaleCount int `json:"max_scale_count"`

	LiquidationPrice     float64 `json:"liquidation_price"`
	StopLossPrice        float64 `json:"stop_loss_price"`
	TrailingStopDistance float64 `json:"trailing_stop_distance"`
	TrailingStopPrice    float64 `json:"trailing_stop_price"`
	AutoCloseEnabled     bool    `json:"auto_close_enabled"`

	// EntryStrength is the consensus strength that opened or last scaled
	// the position; a scale needs a materially stronger signal.
	EntryStrength float64 `json:"entry_strength"`

	OpenedAt  time.Time  `json:"opened_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Metadata  Metadata   `json:"metadata"`
}

// Active reports whether the position still holds size.
func (p *Position) Active() bool {
	return p != nil && p.Status == StatusOpen
}

// Notional is the current position value at price.
func (p *Position) Notional(price float64) float64 {
	return p.TotalSize * price
}

// PositionScale records one entry into a position. Immutable.
type PositionScale struct {
	ID                 string          `json:"id"`
	PositionID         string          `json:"position_id"`
	ScaleNumber        int             `json:"scale_number"`
	EntryPrice         float64         `json:"entry_price"`
	Size               float64         `json:"size"`
	Leverage           float64         `json:"leverage"`
	BankrollPercentage float64         `json:"bankroll_percentage"`
	Margin             decimal.Decimal `json:"margin"`
	TriggerReason      TriggerReason   `json:"trigger_reason"`
	LiquidationPrice   float64         `json:"liquidation_price"`
	DecisionID         string          `json:"decision_id"`
	CreatedAt          time.Time       `json:"created_at"`
}

// PositionClosure records a reduction or end of a position. Append-only.
type PositionClosure struct {
	ID            string          `json:"id"`
	PositionID    string          `json:"position_id"`
	ClosureType   ClosureType     `json:"closure_type"`
	SizeClosed    float64         `json:"size_closed"`
	ClosurePrice  float64         `json:"closure_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	RemainingSize float64         `json:"remaining_size"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RiskAssessment is one snapshot of vault or position risk. Superseded by
// newer assessments, never mutated.
type RiskAssessment struct {
	ID         string `json:"id"`
	VaultID    string `json:"vault_id"`
	PositionID string `json:"position_id,omitempty"`

	Volatility        float64 `json:"volatility"`
	Var1d             float64 `json:"var_1d"`
	Var7d             float64 `json:"var_7d"`
	LiquidationRisk   float64 `json:"liquidation_risk"`
	CorrelationRisk   float64 `json:"correlation_risk"`
	ConcentrationRisk float64 `json:"concentration_risk"`
	MarketRisk        float64 `json:"market_risk"`
	LiquidityRisk     float64 `json:"liquidity_risk"`
	Exposure          float64 `json:"exposure"`
	Drawdown          float64 `json:"drawdown"`

	OverallRiskScore  float64           `json:"overall_risk_score"`
	RiskLevel         RiskLevel         `json:"risk_level"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	HaltAutoTrading   bool              `json:"halt_auto_trading"`

	CreatedAt time.Time `json:"created_at"`
}

// LiquidationCluster is a price level where a concentration of leveraged
// positions would be force-closed.
type LiquidationCluster struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	PriceLevel       float64   `json:"price_level"`
	Side             Side      `json:"side"`
	ClusterStrength  float64   `json:"cluster_strength"`
	PositionCount    int       `json:"position_count"`
	Confidence       float64   `json:"confidence"`
	OpportunityScore float64   `json:"opportunity_score"`
	MarketImpact     float64   `json:"market_impact"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}
