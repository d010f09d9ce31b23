package journal

import (
	"context"
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns a fresh instance of every readable store.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	lite, _ := newTestSQLite(t)
	t.Cleanup(func() { _ = lite.Close() })
	return map[string]Store{
		"sqlite": lite,
		"memory": NewMemory(),
	}
}

func TestGetDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleDecision("D123", "v1", t0)
			require.NoError(t, s.RecordDecision(ctx, want))

			got, err := s.GetDecision(ctx, "D123")
			require.NoError(t, err)
			assert.Equal(t, want.VaultID, got.VaultID)
			assert.Equal(t, want.DecisionType, got.DecisionType)
			assert.Equal(t, want.Decision, got.Decision)
			assert.Equal(t, want.Side, got.Side)
			assert.InDelta(t, want.Leverage, got.Leverage, 1e-9)
			assert.InDelta(t, want.PositionSize, got.PositionSize, 1e-9)
			assert.Equal(t, want.Rule, got.Rule)
			assert.Equal(t, want.Metadata.Source, got.Metadata.Source)
			assert.True(t, got.CreatedAt.Equal(want.CreatedAt))

			_, err = s.GetDecision(ctx, "nonexistent")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestListDecisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.RecordDecision(ctx, sampleDecision("D3", "v1", t0.Add(2*time.Hour))))
			require.NoError(t, s.RecordDecision(ctx, sampleDecision("D1", "v1", t0)))
			require.NoError(t, s.RecordDecision(ctx, sampleDecision("D2", "v2", t0.Add(time.Hour))))
			require.NoError(t, s.RecordDecision(ctx, sampleDecision("D4", "v1", t0.Add(time.Hour))))

			ds, err := s.ListDecisions(ctx, "v1")
			require.NoError(t, err)
			ids := make([]string, len(ds))
			for i, d := range ds {
				ids[i] = d.ID
			}
			assert.Equal(t, []string{"D1", "D4", "D3"}, ids)

			ds, err = s.ListDecisions(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, ds)
		})
	}
}

// A ledger writing through the store leaves an audit trail that replays
// to the final balances.
func TestListBalanceChangesFromLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := t0
			l := ledger.New(s, ledger.WithClock(func() time.Time { return clk }))
			require.NoError(t, l.Register(ctx, domain.Vault{ID: "v1", CurrentBalance: decimal.NewFromInt(10000), AutoTrading: true}))

			res, err := l.Reserve(ctx, "v1", decimal.NewFromInt(100), ledger.ReserveOpts{OpensPosition: true, Reason: "open"})
			require.NoError(t, err)
			clk = clk.Add(time.Second)
			require.NoError(t, l.Commit(ctx, res.ID, decimal.NewFromInt(100), "P1"))
			clk = clk.Add(time.Second)
			_, err = l.Settle(ctx, "v1", "P1", decimal.NewFromInt(100), decimal.NewFromInt(-40), true)
			require.NoError(t, err)

			cs, err := s.ListBalanceChanges(ctx, "v1")
			require.NoError(t, err)
			require.NotEmpty(t, cs)

			last := cs[len(cs)-1]
			assert.True(t, decimal.NewFromInt(9960).Equal(last.BalanceAfter), "balance %s", last.BalanceAfter)
			assert.True(t, decimal.NewFromInt(9960).Equal(last.AvailableAfter), "available %s", last.AvailableAfter)
			assert.True(t, last.ReservedAfter.IsZero())

			for i := 1; i < len(cs); i++ {
				assert.True(t, cs[i-1].BalanceAfter.Equal(cs[i].BalanceBefore), "chain broken at %s", cs[i].ID)
			}
		})
	}
}

func TestListClosures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			closures := []domain.PositionClosure{
				{ID: "C1", PositionID: "P1", ClosureType: domain.ClosurePartial, SizeClosed: 10, ClosurePrice: 104, RealizedPnl: decimal.NewFromInt(40), RemainingSize: 10, Reason: "R4_risk_reduce", CreatedAt: t0},
				{ID: "C2", PositionID: "P2", ClosureType: domain.ClosureLiquidation, SizeClosed: 5, ClosurePrice: 95, RealizedPnl: decimal.NewFromInt(-50), CreatedAt: t0},
				{ID: "C3", PositionID: "P1", ClosureType: domain.ClosureTakeProfit, SizeClosed: 10, ClosurePrice: 110, RealizedPnl: decimal.NewFromInt(100), CreatedAt: t0.Add(time.Hour)},
			}
			for _, c := range closures {
				require.NoError(t, s.RecordClosure(ctx, c))
			}

			got, err := s.ListClosures(ctx, "P1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "C1", got[0].ID)
			assert.Equal(t, domain.ClosureTakeProfit, got[1].ClosureType)
			assert.True(t, decimal.NewFromInt(100).Equal(got[1].RealizedPnl))
			assert.InDelta(t, 110.0, got[1].ClosurePrice, 1e-9)
		})
	}
}
