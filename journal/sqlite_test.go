package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/riskengine/decision"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ decision.Recorder = (*SQL)(nil)
	_ ledger.Recorder   = (*SQL)(nil)
	_ Store             = (*Memory)(nil)
	_ Journal           = (*CSV)(nil)
	_ Journal           = Tee(nil)
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	j, err := NewSQLite(path)
	require.NoError(t, err)

	return j, path
}

func sampleDecision(id, vault string, at time.Time) domain.TradingDecision {
	return domain.TradingDecision{
		ID:              id,
		VaultID:         vault,
		AggregationID:   "agg-" + id,
		Symbol:          "BTC-USD",
		DecisionType:    domain.DecisionOpenPosition,
		Decision:        domain.ActionBuy,
		Side:            domain.SideLong,
		Confidence:      0.85,
		RiskScore:       0.15,
		PositionSize:    0.01,
		Leverage:        20,
		EntryPrice:      100,
		TargetPrice:     110,
		ScaleNumber:     1,
		Rule:            "R2_open",
		Reasoning:       "open on buy consensus",
		ExecutionStatus: domain.ExecPending,
		CreatedAt:       at,
		UpdatedAt:       at,
		Metadata:        domain.Metadata{Version: domain.MetadataVersion, Source: "engine"},
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	for _, table := range []string{"trading_decisions", "balance_changes", "position_scales",
		"position_closures", "risk_assessments", "signal_aggregations"} {
		assert.True(t, found[table], table)
	}
}

func TestSQLiteReopenKeepsRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, path := newTestSQLite(t)
	require.NoError(t, j.RecordDecision(ctx, sampleDecision("D1", "v1", t0)))
	require.NoError(t, j.Close())

	j, err := NewSQLite(path)
	require.NoError(t, err)
	defer j.Close()

	d, err := j.GetDecision(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "agg-D1", d.AggregationID)
}

func TestSQLiteRecordBalanceChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, path := newTestSQLite(t)

	rec := domain.BalanceChange{
		ID:             "B1",
		VaultID:        "v1",
		ChangeType:     domain.ChangeReserve,
		ReferenceID:    "R1",
		BalanceBefore:  decimal.RequireFromString("10000"),
		BalanceAfter:   decimal.RequireFromString("10000"),
		ChangeAmount:   decimal.RequireFromString("100.12345678"),
		AvailableAfter: decimal.RequireFromString("9899.87654322"),
		ReservedAfter:  decimal.RequireFromString("100.12345678"),
		Reason:         "open BTC-USD",
		CreatedAt:      t0,
	}
	require.NoError(t, j.RecordBalanceChange(ctx, rec))
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var (
		changeType string
		amount     string
		available  string
		created    time.Time
	)
	err = db.QueryRow(`
        SELECT change_type, change_amount, available_after, created_at
        FROM balance_changes LIMIT 1`).Scan(&changeType, &amount, &available, &created)
	require.NoError(t, err)

	assert.Equal(t, string(domain.ChangeReserve), changeType)
	assert.Equal(t, "100.12345678", amount)
	assert.Equal(t, "9899.87654322", available)
	assert.True(t, created.Equal(t0))
}

func TestSQLiteDecisionUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	defer j.Close()

	d := sampleDecision("D1", "v1", t0)
	require.NoError(t, j.RecordDecision(ctx, d))

	d.ExecutionStatus = domain.ExecCancelled
	d.ReasonCode = domain.CodeLiquidated
	d.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, j.RecordDecision(ctx, d))

	ds, err := j.ListDecisions(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, domain.ExecCancelled, ds[0].ExecutionStatus)
	assert.Equal(t, domain.CodeLiquidated, ds[0].ReasonCode)
	assert.True(t, ds[0].UpdatedAt.Equal(t0.Add(time.Minute)))
	assert.True(t, ds[0].CreatedAt.Equal(t0))
}

func TestSQLiteRecordsAllKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	defer j.Close()

	require.NoError(t, j.RecordScale(ctx, domain.PositionScale{
		ID:                 "S1",
		PositionID:         "P1",
		ScaleNumber:        1,
		EntryPrice:         100,
		Size:               20,
		Leverage:           20,
		BankrollPercentage: 0.01,
		Margin:             decimal.NewFromInt(100),
		TriggerReason:      domain.TriggerInitialEntry,
		LiquidationPrice:   95.5,
		DecisionID:         "D1",
		CreatedAt:          t0,
	}))
	require.NoError(t, j.RecordAssessment(ctx, domain.RiskAssessment{
		ID:                "A1",
		VaultID:           "v1",
		Volatility:        0.5,
		OverallRiskScore:  0.15,
		RiskLevel:         domain.RiskLow,
		RecommendedAction: domain.RecommendProceed,
		CreatedAt:         t0,
	}))
	require.NoError(t, j.RecordAggregation(ctx, domain.ConsensusSignal{
		ID:              "G1",
		Symbol:          "BTC-USD",
		Timeframe:       "1h",
		AggregationType: domain.AggregationConsensus,
		Contributions:   []domain.Contribution{{SignalID: "s1", Weight: 0.5}, {SignalID: "s2", Weight: 0.5}},
		Signal:          domain.SignalBuy,
		Strength:        0.8,
		Confidence:      0.9,
		CreatedAt:       t0,
		ExpiresAt:       t0.Add(15 * time.Minute),
	}))

	var contributions string
	require.NoError(t, j.DB().QueryRow(`SELECT contributions FROM signal_aggregations WHERE id = 'G1'`).Scan(&contributions))
	assert.JSONEq(t, `[{"signal_id":"s1","weight":0.5},{"signal_id":"s2","weight":0.5}]`, contributions)

	var halt bool
	require.NoError(t, j.DB().QueryRow(`SELECT halt_auto_trading FROM risk_assessments WHERE id = 'A1'`).Scan(&halt))
	assert.False(t, halt)

	scales, err := j.ListScales(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, scales, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(scales[0].Margin))
	assert.Equal(t, domain.TriggerInitialEntry, scales[0].TriggerReason)
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &SQL{dollar: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))
	lite := &SQL{}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
