package journal

import (
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/shopspring/decimal"
)

// VaultSummary condenses one vault's decisions over a run.
type VaultSummary struct {
	ID           string
	StartBalance decimal.Decimal
	EndBalance   decimal.Decimal

	Decisions    int
	Opens        int
	Scales       int
	Closes       int
	Holds        int
	Failed       int
	Cancelled    int
	Liquidations int
	MaxRisk      float64

	// Codes counts decisions by reason code.
	Codes map[string]int
}

// NetPnl is the change in current balance over the run.
func (s VaultSummary) NetPnl() decimal.Decimal {
	return s.EndBalance.Sub(s.StartBalance)
}

// ReturnPct is NetPnl as a percentage of the starting balance.
func (s VaultSummary) ReturnPct() float64 {
	if !s.StartBalance.IsPositive() {
		return 0
	}
	return s.NetPnl().Div(s.StartBalance).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// SortedCodes returns the reason codes in name order.
func (s VaultSummary) SortedCodes() []string {
	out := make([]string, 0, len(s.Codes))
	for c := range s.Codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Summarize counts decisions and liquidations for a vault.
func Summarize(vaultID string, start, end decimal.Decimal, ds []domain.TradingDecision, cs []domain.PositionClosure) VaultSummary {
	s := VaultSummary{ID: vaultID, StartBalance: start, EndBalance: end, Codes: map[string]int{}}
	for _, d := range ds {
		s.Decisions++
		switch d.DecisionType {
		case domain.DecisionOpenPosition:
			s.Opens++
		case domain.DecisionScalePosition:
			s.Scales++
		case domain.DecisionClosePosition:
			s.Closes++
		case domain.DecisionHoldPosition:
			s.Holds++
		}
		switch d.ExecutionStatus {
		case domain.ExecFailed:
			s.Failed++
		case domain.ExecCancelled:
			s.Cancelled++
		}
		if d.ReasonCode != "" {
			s.Codes[d.ReasonCode]++
		}
		if d.RiskScore > s.MaxRisk {
			s.MaxRisk = d.RiskScore
		}
	}
	for _, c := range cs {
		if c.ClosureType == domain.ClosureLiquidation {
			s.Liquidations++
		}
	}
	return s
}

// RunReport describes one replay run.
type RunReport struct {
	Scenario string
	Mode     string
	Created  time.Time
	Start    time.Time
	End      time.Time
	Ticks    int
	Events   int
	Vaults   []VaultSummary
	Notes    []string
}

var reportFuncs = template.FuncMap{
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
}

var reportTmpl = template.Must(template.New("report").Funcs(reportFuncs).Parse(ReportOrgTemplate))

// WriteOrg renders r as an org-mode document.
func (r *RunReport) WriteOrg(w io.Writer) error {
	return errors.Wrap(reportTmpl.Execute(w, r), "render report")
}

const ReportOrgTemplate = `* REPLAY: {{if .Scenario}}{{.Scenario}}{{else}}(scenario?){{end}}
:PROPERTIES:
:MODE:        {{.Mode}}
:START:       {{.Start.Format "2006-01-02 15:04"}}
:END_TIME:    {{.End.Format "2006-01-02 15:04"}}
:TICKS:       {{.Ticks}}
:EVENTS:      {{.Events}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:
{{range .Vaults}}
** Vault {{.ID}}
| Metric        | Value |
|---------------+-------|
| Start balance | {{money .StartBalance}} |
| End balance   | {{money .EndBalance}} |
| Net P/L       | {{money .NetPnl}} |
| Return %      | {{printf "%.2f" .ReturnPct}} |
| Max risk      | {{printf "%.3f" .MaxRisk}} |

| Decisions | Opens | Scales | Closes | Holds | Failed | Cancelled | Liquidations |
|-----------+-------+--------+--------+-------+--------+-----------+--------------|
| {{.Decisions}} | {{.Opens}} | {{.Scales}} | {{.Closes}} | {{.Holds}} | {{.Failed}} | {{.Cancelled}} | {{.Liquidations}} |
{{- if .Codes}}

*** Reason codes
{{- $codes := .Codes}}
{{- range .SortedCodes}}
- {{.}}: {{index $codes .}}
{{- end}}
{{- end}}
{{end}}
{{- if .Notes }}
** Observations
{{- range .Notes }}
- {{.}}
{{- end }}
{{- end }}
`
