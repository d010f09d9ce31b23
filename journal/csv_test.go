package journal

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVHeaders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dp := filepath.Join(dir, "decisions.csv")
	bp := filepath.Join(dir, "balances.csv")

	j, err := NewCSV(dp, bp)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Equal(t, [][]string{decisionHeader}, readCSV(t, dp))
	assert.Equal(t, [][]string{balanceHeader}, readCSV(t, bp))
}

func TestCSVRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	dp := filepath.Join(dir, "decisions.csv")
	bp := filepath.Join(dir, "balances.csv")

	j, err := NewCSV(dp, bp)
	require.NoError(t, err)

	d := sampleDecision("D1", "v1", t0)
	d.Reasoning = "open, buy consensus 0.80"
	require.NoError(t, j.RecordDecision(ctx, d))
	d.ExecutionStatus = domain.ExecExecuted
	d.UpdatedAt = t0.Add(time.Second)
	require.NoError(t, j.RecordDecision(ctx, d))

	require.NoError(t, j.RecordBalanceChange(ctx, domain.BalanceChange{
		ID:             "B1",
		VaultID:        "v1",
		ChangeType:     domain.ChangeCommit,
		ReferenceID:    "R1",
		BalanceBefore:  decimal.NewFromInt(10000),
		BalanceAfter:   decimal.NewFromInt(10000),
		ChangeAmount:   decimal.NewFromInt(100),
		AvailableAfter: decimal.NewFromInt(9900),
		ReservedAfter:  decimal.NewFromInt(100),
		Reason:         "P1",
		CreatedAt:      t0,
	}))
	require.NoError(t, j.RecordScale(ctx, domain.PositionScale{ID: "S1"}))
	require.NoError(t, j.Close())

	rows := readCSV(t, dp)
	require.Len(t, rows, 3)
	assert.Equal(t, "D1", rows[1][0])
	assert.Equal(t, "pending", rows[1][15])
	assert.Equal(t, "executed", rows[2][15])
	assert.Equal(t, "20.000000", rows[1][10])
	assert.Equal(t, "open, buy consensus 0.80", rows[2][17])

	rows = readCSV(t, bp)
	require.Len(t, rows, 2)
	assert.Equal(t, "commit", rows[1][2])
	assert.Equal(t, "9900.00000000", rows[1][7])
	assert.True(t, strings.HasPrefix(rows[1][9], "2024-01-02T03:04:05"))
}

func TestTee(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, b := NewMemory(), NewMemory()
	tee := Tee{a, b}
	require.NoError(t, tee.RecordDecision(ctx, sampleDecision("D1", "v1", t0)))
	require.NoError(t, tee.RecordClosure(ctx, domain.PositionClosure{ID: "C1", PositionID: "P1"}))

	for _, m := range []*Memory{a, b} {
		_, err := m.GetDecision(ctx, "D1")
		assert.NoError(t, err)
		cs, err := m.ListClosures(ctx, "P1")
		require.NoError(t, err)
		assert.Len(t, cs, 1)
	}
	assert.NoError(t, tee.Close())
}
