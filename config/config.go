package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rustyeddy/riskengine/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Signals  SignalConfig   `json:"signals" yaml:"signals"`
	Ladder   []StageConfig  `json:"ladder" yaml:"ladder"`
	Trailing TrailingConfig `json:"trailing" yaml:"trailing"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	Limits   LimitsConfig   `json:"limits" yaml:"limits"`
	Clusters ClusterConfig  `json:"clusters" yaml:"clusters"`
	Vaults   []VaultConfig  `json:"vaults,omitempty" yaml:"vaults,omitempty"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Log      logging.Config `json:"log" yaml:"log"`
}

// Execution modes.
const (
	ModeDeferred  = "deferred"
	ModeImmediate = "immediate"
)

// EngineConfig holds decision thresholds
type EngineConfig struct {
	ExecutionMode         string  `json:"execution_mode" yaml:"execution_mode"`
	MinStrength           float64 `json:"min_strength" yaml:"min_strength"`
	MinConfidence         float64 `json:"min_confidence" yaml:"min_confidence"`
	ScaleStrengthDelta    float64 `json:"scale_strength_delta" yaml:"scale_strength_delta"`
	ReduceFraction        float64 `json:"reduce_fraction" yaml:"reduce_fraction"`
	PartialCloseFraction  float64 `json:"partial_close_fraction" yaml:"partial_close_fraction"`
	MaxScaleCount         int     `json:"max_scale_count" yaml:"max_scale_count"`
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate" yaml:"maintenance_margin_rate"`
	RiskIntervalMinutes   int     `json:"risk_assessment_interval_minutes" yaml:"risk_assessment_interval_minutes"`
}

// RiskInterval is the maximum age of a usable risk assessment.
func (e EngineConfig) RiskInterval() time.Duration {
	return time.Duration(e.RiskIntervalMinutes) * time.Minute
}

// SignalConfig controls aggregation
type SignalConfig struct {
	AggregationType    string             `json:"aggregation_type" yaml:"aggregation_type"`
	WindowMinutes      int                `json:"window_minutes" yaml:"window_minutes"`
	MinSources         int                `json:"min_sources" yaml:"min_sources"`
	MinConfidence      float64            `json:"min_confidence" yaml:"min_confidence"`
	ExpiryMinutes      int                `json:"signal_expiry_minutes" yaml:"signal_expiry_minutes"`
	DefaultReliability float64            `json:"default_reliability" yaml:"default_reliability"`
	Reliability        map[string]float64 `json:"reliability,omitempty" yaml:"reliability,omitempty"`
	Deadband           float64            `json:"deadband" yaml:"deadband"`
}

func (s SignalConfig) Window() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

func (s SignalConfig) Expiry() time.Duration {
	return time.Duration(s.ExpiryMinutes) * time.Minute
}

// StageConfig is one rung of the scale ladder
type StageConfig struct {
	Leverage    float64 `json:"leverage" yaml:"leverage"`
	BankrollPct float64 `json:"bankroll_pct" yaml:"bankroll_pct"`
}

// TrailingConfig sets when trailing starts and how it tightens. Distances
// are the fraction of open profit the stop gives back.
type TrailingConfig struct {
	MinimumProfitThreshold float64 `json:"minimum_profit_threshold" yaml:"minimum_profit_threshold"`
	Initial                float64 `json:"trailing_stop_initial" yaml:"trailing_stop_initial"`
	SecondaryAt            float64 `json:"secondary_at" yaml:"secondary_at"`
	Secondary              float64 `json:"trailing_stop_secondary" yaml:"trailing_stop_secondary"`
	FinalAt                float64 `json:"final_at" yaml:"final_at"`
	Final                  float64 `json:"trailing_stop_final" yaml:"trailing_stop_final"`
}

// RiskWeights are the composite score weights; they must sum to 1.
type RiskWeights struct {
	Volatility  float64 `json:"volatility" yaml:"volatility"`
	Exposure    float64 `json:"exposure" yaml:"exposure"`
	Drawdown    float64 `json:"drawdown" yaml:"drawdown"`
	Liquidity   float64 `json:"liquidity" yaml:"liquidity"`
	Correlation float64 `json:"correlation" yaml:"correlation"`
}

func (w RiskWeights) Sum() float64 {
	return w.Volatility + w.Exposure + w.Drawdown + w.Liquidity + w.Correlation
}

// RiskConfig holds assessor parameters
type RiskConfig struct {
	Weights            RiskWeights `json:"weights" yaml:"weights"`
	VolatilityCap      float64     `json:"volatility_cap" yaml:"volatility_cap"`
	CorrelationCap     float64     `json:"correlation_cap" yaml:"correlation_cap"`
	CorrelatedShareCap float64     `json:"correlated_share_cap" yaml:"correlated_share_cap"`
	LiquidationBuffer  float64     `json:"liquidation_buffer" yaml:"liquidation_buffer"`
	RefDepth           float64     `json:"ref_depth" yaml:"ref_depth"`
	RefVolume          float64     `json:"ref_volume" yaml:"ref_volume"`
}

// LimitsConfig are system-wide vault defaults; a vault value of zero
// inherits these.
type LimitsConfig struct {
	MaxDailyLoss    float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdown     float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MaxPositionSize float64 `json:"max_position_size" yaml:"max_position_size"`
	MaxPositions    int     `json:"max_positions" yaml:"max_positions"`
}

// ClusterConfig controls liquidation cluster queries
type ClusterConfig struct {
	ProximityBand float64 `json:"proximity_band" yaml:"proximity_band"`
	TTLMinutes    int     `json:"ttl_minutes" yaml:"ttl_minutes"`
}

func (c ClusterConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// VaultConfig seeds a vault at startup
type VaultConfig struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name,omitempty" yaml:"name,omitempty"`
	Balance         float64       `json:"balance" yaml:"balance"`
	MaxPositions    int           `json:"max_positions,omitempty" yaml:"max_positions,omitempty"`
	MaxPositionSize float64       `json:"max_position_size,omitempty" yaml:"max_position_size,omitempty"`
	MaxDailyLoss    float64       `json:"max_daily_loss,omitempty" yaml:"max_daily_loss,omitempty"`
	MaxDrawdown     float64       `json:"max_drawdown,omitempty" yaml:"max_drawdown,omitempty"`
	AutoTrading     bool          `json:"auto_trading" yaml:"auto_trading"`
	Timezone        string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Ladder          []StageConfig `json:"ladder,omitempty" yaml:"ladder,omitempty"`
}

// JournalConfig contains persistence parameters
type JournalConfig struct {
	Type   string `json:"type" yaml:"type"` // "memory", "sqlite" or "postgres"
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LoadFromFile loads configuration from a file (JSON or YAML)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	cfg.Vaults = nil

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func fraction(name string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%s must be between 0 and 1", name)
	}
	return nil
}

// ValidateLadder checks that leverage never rises and bankroll never falls
// from one stage to the next.
func ValidateLadder(ladder []StageConfig) error {
	if len(ladder) == 0 {
		return fmt.Errorf("ladder must have at least one stage")
	}
	for i, s := range ladder {
		if s.Leverage < 1 {
			return fmt.Errorf("ladder stage %d: leverage must be >= 1", i+1)
		}
		if s.BankrollPct <= 0 || s.BankrollPct > 1 {
			return fmt.Errorf("ladder stage %d: bankroll_pct must be in (0,1]", i+1)
		}
		if i == 0 {
			continue
		}
		prev := ladder[i-1]
		if s.Leverage > prev.Leverage {
			return fmt.Errorf("ladder stage %d: leverage %.2f exceeds stage %d leverage %.2f", i+1, s.Leverage, i, prev.Leverage)
		}
		if s.BankrollPct < prev.BankrollPct {
			return fmt.Errorf("ladder stage %d: bankroll_pct %.4f below stage %d bankroll_pct %.4f", i+1, s.BankrollPct, i, prev.BankrollPct)
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	e := c.Engine
	if e.ExecutionMode != ModeDeferred && e.ExecutionMode != ModeImmediate {
		return fmt.Errorf("engine.execution_mode must be '%s' or '%s'", ModeDeferred, ModeImmediate)
	}
	for name, v := range map[string]float64{
		"engine.min_strength":           e.MinStrength,
		"engine.min_confidence":         e.MinConfidence,
		"engine.scale_strength_delta":   e.ScaleStrengthDelta,
		"engine.reduce_fraction":        e.ReduceFraction,
		"engine.partial_close_fraction": e.PartialCloseFraction,
		"signals.min_confidence":        c.Signals.MinConfidence,
		"signals.default_reliability":   c.Signals.DefaultReliability,
		"signals.deadband":              c.Signals.Deadband,
		"limits.max_daily_loss":         c.Limits.MaxDailyLoss,
		"limits.max_drawdown":           c.Limits.MaxDrawdown,
		"clusters.proximity_band":       c.Clusters.ProximityBand,
	} {
		if err := fraction(name, v); err != nil {
			return err
		}
	}
	if e.MaxScaleCount < 1 {
		return fmt.Errorf("engine.max_scale_count must be positive")
	}
	if e.MaintenanceMarginRate < 0 || e.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("engine.maintenance_margin_rate must be in [0,1)")
	}
	if e.RiskIntervalMinutes <= 0 {
		return fmt.Errorf("engine.risk_assessment_interval_minutes must be positive")
	}

	s := c.Signals
	switch s.AggregationType {
	case "consensus", "weighted_average":
	default:
		return fmt.Errorf("signals.aggregation_type must be 'consensus' or 'weighted_average'")
	}
	if s.WindowMinutes <= 0 || s.ExpiryMinutes <= 0 {
		return fmt.Errorf("signals window_minutes and signal_expiry_minutes must be positive")
	}
	if s.MinSources < 1 {
		return fmt.Errorf("signals.min_sources must be positive")
	}
	for src, r := range s.Reliability {
		if err := fraction("signals.reliability."+src, r); err != nil {
			return err
		}
	}

	if err := ValidateLadder(c.Ladder); err != nil {
		return err
	}
	if e.MaxScaleCount > len(c.Ladder) {
		return fmt.Errorf("engine.max_scale_count %d exceeds ladder length %d", e.MaxScaleCount, len(c.Ladder))
	}

	t := c.Trailing
	for name, v := range map[string]float64{
		"trailing.minimum_profit_threshold": t.MinimumProfitThreshold,
		"trailing.trailing_stop_initial":    t.Initial,
		"trailing.secondary_at":             t.SecondaryAt,
		"trailing.trailing_stop_secondary":  t.Secondary,
		"trailing.final_at":                 t.FinalAt,
		"trailing.trailing_stop_final":      t.Final,
	} {
		if err := fraction(name, v); err != nil {
			return err
		}
	}
	if !(t.MinimumProfitThreshold <= t.SecondaryAt && t.SecondaryAt <= t.FinalAt) {
		return fmt.Errorf("trailing thresholds must be non-decreasing")
	}
	if !(t.Initial >= t.Secondary && t.Secondary >= t.Final) {
		return fmt.Errorf("trailing distances must only tighten")
	}

	if math.Abs(c.Risk.Weights.Sum()-1) > 1e-9 {
		return fmt.Errorf("risk.weights must sum to 1.0, got %.6f", c.Risk.Weights.Sum())
	}
	if c.Risk.VolatilityCap <= 0 {
		return fmt.Errorf("risk.volatility_cap must be positive")
	}
	if c.Risk.CorrelatedShareCap <= 0 || c.Risk.LiquidationBuffer <= 0 {
		return fmt.Errorf("risk.correlated_share_cap and risk.liquidation_buffer must be positive")
	}

	if c.Limits.MaxPositionSize <= 0 {
		return fmt.Errorf("limits.max_position_size must be positive")
	}
	if c.Limits.MaxPositions < 1 {
		return fmt.Errorf("limits.max_positions must be positive")
	}

	seen := map[string]bool{}
	for _, v := range c.Vaults {
		if v.ID == "" {
			return fmt.Errorf("vault id is required")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate vault id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Balance < 0 {
			return fmt.Errorf("vault %s: balance must not be negative", v.ID)
		}
		if v.Timezone != "" {
			if _, err := time.LoadLocation(v.Timezone); err != nil {
				return fmt.Errorf("vault %s: %w", v.ID, err)
			}
		}
		if len(v.Ladder) > 0 {
			if err := ValidateLadder(v.Ladder); err != nil {
				return fmt.Errorf("vault %s: %w", v.ID, err)
			}
		}
	}

	switch c.Journal.Type {
	case "memory":
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for sqlite type")
		}
	case "postgres":
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal dsn required for postgres type")
		}
	default:
		return fmt.Errorf("journal.type must be 'memory', 'sqlite' or 'postgres'")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Ladder = append([]StageConfig(nil), c.Ladder...)
	if c.Signals.Reliability != nil {
		out.Signals.Reliability = make(map[string]float64, len(c.Signals.Reliability))
		for k, v := range c.Signals.Reliability {
			out.Signals.Reliability[k] = v
		}
	}
	out.Vaults = make([]VaultConfig, len(c.Vaults))
	for i, v := range c.Vaults {
		v.Ladder = append([]StageConfig(nil), v.Ladder...)
		out.Vaults[i] = v
	}
	return &out
}

// Default returns a configuration with the production defaults
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ExecutionMode:         ModeDeferred,
			MinStrength:           0.6,
			MinConfidence:         0.7,
			ScaleStrengthDelta:    0.05,
			ReduceFraction:        0.25,
			PartialCloseFraction:  0.5,
			MaxScaleCount:         4,
			MaintenanceMarginRate: 0.005,
			RiskIntervalMinutes:   5,
		},
		Signals: SignalConfig{
			AggregationType:    "consensus",
			WindowMinutes:      60,
			MinSources:         2,
			MinConfidence:      0.6,
			ExpiryMinutes:      15,
			DefaultReliability: 0.5,
			Deadband:           0.1,
		},
		Ladder: []StageConfig{
			{Leverage: 20, BankrollPct: 0.01},
			{Leverage: 10, BankrollPct: 0.02},
			{Leverage: 5, BankrollPct: 0.04},
			{Leverage: 2, BankrollPct: 0.08},
		},
		Trailing: TrailingConfig{
			MinimumProfitThreshold: 0.75,
			Initial:                0.30,
			SecondaryAt:            0.85,
			Secondary:              0.25,
			FinalAt:                0.95,
			Final:                  0.03,
		},
		Risk: RiskConfig{
			Weights: RiskWeights{
				Volatility:  0.30,
				Exposure:    0.25,
				Drawdown:    0.20,
				Liquidity:   0.15,
				Correlation: 0.10,
			},
			VolatilityCap:      1.0,
			CorrelationCap:     0.5,
			CorrelatedShareCap: 0.40,
			LiquidationBuffer:  0.10,
			RefDepth:           1_000_000,
			RefVolume:          50_000_000,
		},
		Limits: LimitsConfig{
			MaxDailyLoss:    0.05,
			MaxDrawdown:     0.20,
			MaxPositionSize: 1.0,
			MaxPositions:    5,
		},
		Clusters: ClusterConfig{
			ProximityBand: 0.02,
			TTLMinutes:    60,
		},
		Vaults: []VaultConfig{
			{ID: "VAULT-001", Name: "primary", Balance: 10000, AutoTrading: true},
		},
		Journal: JournalConfig{
			Type: "memory",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}
