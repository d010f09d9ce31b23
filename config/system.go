package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rustyeddy/riskengine/logging"
)

// System configuration keys as stored in the system_configuration table.
// Percentage keys hold percent units ("30" or "30%" means 0.30).
const (
	KeyLeverageStages         = "leverage_stages"
	KeyBankrollPercentages    = "bankroll_percentages"
	KeyMinimumProfitThreshold = "minimum_profit_threshold"
	KeyTrailingStopInitial    = "trailing_stop_initial"
	KeyTrailingStopSecondary  = "trailing_stop_secondary"
	KeyTrailingStopFinal      = "trailing_stop_final"
	KeyMaxDailyLoss           = "max_daily_loss"
	KeyMaxDrawdown            = "max_drawdown"
	KeySignalExpiryMinutes    = "signal_expiry_minutes"
	KeyRiskIntervalMinutes    = "risk_assessment_interval_minutes"
	KeyMaxScaleCount          = "max_scale_count"
)

// ApplySystemConfiguration overlays key/value settings onto a copy of cfg
// and validates the result. Unknown keys are logged and skipped.
func ApplySystemConfiguration(cfg *Config, kv map[string]string) (*Config, error) {
	out := cfg.Clone()
	log := logging.For("config")

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var levs, pcts []float64
	for _, k := range keys {
		raw := strings.TrimSpace(kv[k])
		var err error
		switch k {
		case KeyLeverageStages:
			levs, err = parseList(raw)
		case KeyBankrollPercentages:
			pcts, err = parseList(raw)
		case KeyMinimumProfitThreshold:
			out.Trailing.MinimumProfitThreshold, err = parsePercent(raw)
		case KeyTrailingStopInitial:
			out.Trailing.Initial, err = parsePercent(raw)
		case KeyTrailingStopSecondary:
			out.Trailing.Secondary, err = parsePercent(raw)
		case KeyTrailingStopFinal:
			out.Trailing.Final, err = parsePercent(raw)
		case KeyMaxDailyLoss:
			out.Limits.MaxDailyLoss, err = parsePercent(raw)
		case KeyMaxDrawdown:
			out.Limits.MaxDrawdown, err = parsePercent(raw)
		case KeySignalExpiryMinutes:
			out.Signals.ExpiryMinutes, err = strconv.Atoi(raw)
		case KeyRiskIntervalMinutes:
			out.Engine.RiskIntervalMinutes, err = strconv.Atoi(raw)
		case KeyMaxScaleCount:
			out.Engine.MaxScaleCount, err = strconv.Atoi(raw)
		default:
			log.WithField("key", k).Debug("ignoring unknown system configuration key")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("system configuration %s=%q: %w", k, raw, err)
		}
	}

	if levs != nil || pcts != nil {
		if levs == nil {
			levs = leverages(out.Ladder)
		}
		if pcts == nil {
			for _, s := range out.Ladder {
				pcts = append(pcts, s.BankrollPct*100)
			}
		}
		if len(levs) != len(pcts) {
			return nil, fmt.Errorf("system configuration: %d leverage stages but %d bankroll percentages", len(levs), len(pcts))
		}
		out.Ladder = make([]StageConfig, len(levs))
		for i := range levs {
			out.Ladder[i] = StageConfig{Leverage: levs[i], BankrollPct: pcts[i] / 100}
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// SystemConfiguration renders the keys ApplySystemConfiguration understands.
func SystemConfiguration(cfg *Config) map[string]string {
	var bankroll []float64
	for _, s := range cfg.Ladder {
		bankroll = append(bankroll, round(s.BankrollPct*100))
	}
	levs, _ := json.Marshal(leverages(cfg.Ladder))
	pcts, _ := json.Marshal(bankroll)
	pct := func(v float64) string { return strconv.FormatFloat(round(v*100), 'f', -1, 64) }

	return map[string]string{
		KeyLeverageStages:         string(levs),
		KeyBankrollPercentages:    string(pcts),
		KeyMinimumProfitThreshold: pct(cfg.Trailing.MinimumProfitThreshold),
		KeyTrailingStopInitial:    pct(cfg.Trailing.Initial),
		KeyTrailingStopSecondary:  pct(cfg.Trailing.Secondary),
		KeyTrailingStopFinal:      pct(cfg.Trailing.Final),
		KeyMaxDailyLoss:           pct(cfg.Limits.MaxDailyLoss),
		KeyMaxDrawdown:            pct(cfg.Limits.MaxDrawdown),
		KeySignalExpiryMinutes:    strconv.Itoa(cfg.Signals.ExpiryMinutes),
		KeyRiskIntervalMinutes:    strconv.Itoa(cfg.Engine.RiskIntervalMinutes),
		KeyMaxScaleCount:          strconv.Itoa(cfg.Engine.MaxScaleCount),
	}
}

func leverages(ladder []StageConfig) []float64 {
	out := make([]float64, len(ladder))
	for i, s := range ladder {
		out[i] = s.Leverage
	}
	return out
}

func round(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 6, 64), 64)
	return r
}

// parseList accepts a JSON array ("[20, 10, 5]") or a comma separated list.
func parseList(raw string) ([]float64, error) {
	if strings.HasPrefix(raw, "[") {
		var out []float64
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parsePercent(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil {
		return 0, err
	}
	return v / 100, nil
}
