package replay

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, mode string, sink journal.Journal) *Runner {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.ExecutionMode = mode
	cfg.Vaults = []config.VaultConfig{{ID: "v1", Balance: 10000, AutoTrading: true}}
	r, err := New(context.Background(), cfg, sink, Options{TickThenEvent: true})
	require.NoError(t, err)
	return r
}

func run(t *testing.T, r *Runner, scenario string) {
	t.Helper()
	require.NoError(t, r.Read(context.Background(), strings.NewReader(scenario)))
}

func decisions(t *testing.T, r *Runner) []domain.TradingDecision {
	t.Helper()
	ds, err := r.Engine.Decisions("v1")
	require.NoError(t, err)
	return ds
}

func balance(t *testing.T, r *Runner) domain.Vault {
	t.Helper()
	v, err := r.Ledger.Snapshot("v1")
	require.NoError(t, err)
	return v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReplayOpensPosition(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeImmediate, nil)

	run(t, r, `time,symbol,bid,ask,event,arg1,arg2,arg3,arg4
2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,CONSENSUS,buy,0.8,0.85,0.1
2026-03-02T10:01:00Z,BTC-USD,101,101,,
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DecisionOpenPosition, ds[0].DecisionType)
	assert.Equal(t, domain.ExecExecuted, ds[0].ExecutionStatus)
	assert.Equal(t, 20.0, ds[0].Leverage)

	ps, err := r.Engine.Positions("v1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.InDelta(t, 20.0, ps[0].TotalSize, 1e-9)

	v := balance(t, r)
	assert.True(t, dec("9900").Equal(v.AvailableBalance), "available %s", v.AvailableBalance)

	st := r.Stats()
	assert.Equal(t, 3, st.Rows)
	assert.Equal(t, 2, st.Ticks)
	assert.Equal(t, 2, st.Events)
}

func TestReplayLiquidationCancelsScale(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeDeferred, nil)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,CONSENSUS,buy,0.8,0.85,0.1
2026-03-02T10:00:30Z,BTC-USD,100,100,FILL,v1,100
2026-03-02T10:01:00Z,BTC-USD,100,100,CONSENSUS,buy,0.9,0.85,0.1
2026-03-02T10:02:00Z,BTC-USD,95,95,,
`)

	ds := decisions(t, r)
	require.Len(t, ds, 2)
	assert.Equal(t, domain.DecisionOpenPosition, ds[0].DecisionType)
	assert.Equal(t, domain.ExecExecuted, ds[0].ExecutionStatus)
	assert.Equal(t, domain.DecisionScalePosition, ds[1].DecisionType)
	assert.Equal(t, domain.ExecCancelled, ds[1].ExecutionStatus)
	assert.Equal(t, domain.CodeLiquidated, ds[1].ReasonCode)

	ps, err := r.Engine.Positions("v1")
	require.NoError(t, err)
	assert.Empty(t, ps)

	v := balance(t, r)
	assert.True(t, dec("9900").Equal(v.CurrentBalance), "current %s", v.CurrentBalance)
	assert.True(t, dec("9900").Equal(v.AvailableBalance), "available %s", v.AvailableBalance)
	assert.True(t, v.ReservedBalance.IsZero())

	rep, err := r.Report(context.Background(), "liquidation")
	require.NoError(t, err)
	require.Len(t, rep.Vaults, 1)
	s := rep.Vaults[0]
	assert.Equal(t, 1, s.Liquidations)
	assert.Equal(t, 1, s.Cancelled)
	assert.True(t, dec("-100").Equal(s.NetPnl()))
}

func TestReplayRejectReleasesMargin(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeDeferred, nil)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,CONSENSUS,buy,0.8,0.85,0.1
2026-03-02T10:00:30Z,BTC-USD,100,100,REJECT,v1,no liquidity
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.ExecFailed, ds[0].ExecutionStatus)
	assert.Contains(t, ds[0].Reasoning, "no liquidity")

	v := balance(t, r)
	assert.True(t, dec("10000").Equal(v.AvailableBalance))
}

func TestReplayBreakerHolds(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeDeferred, nil)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,PNL,v1,-500,bad day
2026-03-02T10:01:00Z,BTC-USD,100,100,CONSENSUS,buy,0.8,0.85,0.1
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DecisionHoldPosition, ds[0].DecisionType)
	assert.Equal(t, domain.CodeCircuitBreakerActive, ds[0].ReasonCode)

	rep, err := r.Report(context.Background(), "breaker")
	require.NoError(t, err)
	assert.Contains(t, rep.Notes, "v1: daily_loss breaker tripped")

	var buf bytes.Buffer
	require.NoError(t, rep.WriteOrg(&buf))
	assert.Contains(t, buf.String(), "* REPLAY: breaker")
	assert.Contains(t, buf.String(), "** Vault v1")
}

func TestReplayAggregatesSignals(t *testing.T) {
	t.Parallel()
	sink := journal.NewMemory()
	r := newRunner(t, config.ModeDeferred, sink)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,SIGNAL,alpha,buy,0.8,0.9,0.1
2026-03-02T10:01:00Z,BTC-USD,100,100,SIGNAL,beta,buy,0.8,0.9,0.1
2026-03-02T10:02:00Z,BTC-USD,100,100,AGGREGATE
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DecisionOpenPosition, ds[0].DecisionType)
	assert.NotEmpty(t, ds[0].AggregationID)
	assert.Len(t, sink.Aggregations(), 1)

	got, err := sink.GetDecision(context.Background(), ds[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ds[0].ExecutionStatus, got.ExecutionStatus)
}

func TestReplayAggregateNeedsTwoSources(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeDeferred, nil)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,100,100,SIGNAL,alpha,buy,0.8,0.9
2026-03-02T10:01:00Z,BTC-USD,100,100,AGGREGATE
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.DecisionHoldPosition, ds[0].DecisionType)
	assert.Equal(t, domain.CodeInsufficientSignals, ds[0].ReasonCode)
}

func TestReplayConfigEvent(t *testing.T) {
	t.Parallel()
	r := newRunner(t, config.ModeImmediate, nil)

	run(t, r, `2026-03-02T10:00:00Z,BTC-USD,,,MARKET,0.5
2026-03-02T10:00:00Z,BTC-USD,,,CONFIG,leverage_stages,"10,5,3,2"
2026-03-02T10:00:00Z,BTC-USD,,,CONFIG,bankroll_percentages,"2,3,4,8"
2026-03-02T10:00:00Z,BTC-USD,100,100,CONSENSUS,buy,0.8,0.85,0.1
`)

	ds := decisions(t, r)
	require.Len(t, ds, 1)
	assert.Equal(t, 10.0, ds[0].Leverage)
	assert.Equal(t, 0.02, ds[0].PositionSize)
}

func TestReplayErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{"short row", "2026-03-02T10:00:00Z,BTC-USD,100\n", "need at least 4 cols"},
		{"bad time", "yesterday,BTC-USD,100,100\n", "bad time"},
		{"bad bid", "2026-03-02T10:00:00Z,BTC-USD,x,100\n", "bad bid"},
		{"unknown event", "2026-03-02T10:00:00Z,BTC-USD,100,100,BOGUS\n", "unknown event"},
		{"missing vault", "2026-03-02T10:00:00Z,BTC-USD,100,100,FILL\n", "missing vault"},
		{"bad side", "2026-03-02T10:00:00Z,BTC-USD,100,100,CLUSTER,up,90,0.8\n", "bad side"},
		{"unknown vault", "2026-03-02T10:00:00Z,BTC-USD,100,100,PNL,nope,10\n", "PNL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRunner(t, config.ModeDeferred, nil)
			err := r.Read(context.Background(), strings.NewReader(tt.csv))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestReplayCSVFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scenario.csv")
	require.NoError(t, os.WriteFile(path, []byte(`# clusters only
time,symbol,bid,ask,event,arg1,arg2,arg3
2026-03-02T10:00:00Z,BTC-USD,,,CLUSTER,short,120,0.8,40
2026-03-02T10:00:00Z,BTC-USD,100,100,CORRELATE,ETH-USD,0.9
`), 0o644))

	r := newRunner(t, config.ModeDeferred, nil)
	require.NoError(t, r.CSV(context.Background(), path))
	assert.Len(t, r.Engine.Clusters().Clusters("BTC-USD"), 1)
	assert.Equal(t, 0.9, r.market["BTC-USD"].Correlations["ETH-USD"])

	assert.Error(t, r.CSV(context.Background(), filepath.Join(t.TempDir(), "missing.csv")))
}

func TestClockNeverGoesBack(t *testing.T) {
	t.Parallel()
	var c Clock
	t1 := c.Now().Add(10)
	c.Set(t1)
	c.Set(t1.Add(-5))
	assert.Equal(t, t1, c.Now())
}
