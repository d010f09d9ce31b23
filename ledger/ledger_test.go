package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu      sync.Mutex
	changes []domain.BalanceChange
	fail    error
}

func (m *memRecorder) RecordBalanceChange(_ context.Context, c domain.BalanceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.changes = append(m.changes, c)
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, balance string) (*Ledger, *memRecorder, *clock) {
	t.Helper()
	rec := &memRecorder{}
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	l := New(rec, WithClock(clk.Now))
	require.NoError(t, l.Register(context.Background(), domain.Vault{
		ID:             "v1",
		CurrentBalance: d(balance),
		MaxPositions:   2,
		AutoTrading:    true,
	}))
	return l, rec, clk
}

func assertBalances(t *testing.T, l *Ledger, current, available, reserved string) {
	t.Helper()
	v, err := l.Snapshot("v1")
	require.NoError(t, err)
	assert.True(t, d(current).Equal(v.CurrentBalance), "current %s", v.CurrentBalance)
	assert.True(t, d(available).Equal(v.AvailableBalance), "available %s", v.AvailableBalance)
	assert.True(t, d(reserved).Equal(v.ReservedBalance), "reserved %s", v.ReservedBalance)
}

func TestReserveCommitRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, rec, _ := setup(t, "10000")

	res, err := l.Reserve(ctx, "v1", d("100"), ReserveOpts{OpensPosition: true})
	require.NoError(t, err)
	assertBalances(t, l, "10000", "9900", "100")

	require.NoError(t, l.Commit(ctx, res.ID, d("80"), "pos-1"))
	assertBalances(t, l, "10000", "9920", "80")
	v, _ := l.Snapshot("v1")
	assert.Equal(t, 1, v.CurrentPositions)

	res2, err := l.Reserve(ctx, "v1", d("50"), ReserveOpts{})
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, res2.ID))
	assertBalances(t, l, "10000", "9920", "80")

	assert.ErrorIs(t, l.Release(ctx, res2.ID), domain.ErrNotFound)
	assert.ErrorIs(t, l.Commit(ctx, res.ID, d("1"), "pos-1"), domain.ErrNotFound)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.changes, 4)
	assert.Equal(t, domain.ChangeReserve, rec.changes[0].ChangeType)
	assert.Equal(t, domain.ChangeCommit, rec.changes[1].ChangeType)
	assert.True(t, d("9920").Equal(rec.changes[1].AvailableAfter))
}

func TestReserveRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("insufficient balance", func(t *testing.T) {
		t.Parallel()
		l, _, _ := setup(t, "100")
		_, err := l.Reserve(ctx, "v1", d("100.01"), ReserveOpts{})
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		assertBalances(t, l, "100", "100", "0")
	})

	t.Run("position limit counts pending opens", func(t *testing.T) {
		t.Parallel()
		l, _, _ := setup(t, "1000")
		_, err := l.Reserve(ctx, "v1", d("10"), ReserveOpts{OpensPosition: true})
		require.NoError(t, err)
		_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{OpensPosition: true})
		require.NoError(t, err)
		_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{OpensPosition: true})
		assert.ErrorIs(t, err, domain.ErrPositionLimitExceeded)

		// scale reservations are not position opens
		_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{})
		assert.NoError(t, err)
	})

	t.Run("non positive amount", func(t *testing.T) {
		t.Parallel()
		l, _, _ := setup(t, "1000")
		_, err := l.Reserve(ctx, "v1", decimal.Zero, ReserveOpts{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("unknown vault", func(t *testing.T) {
		t.Parallel()
		l, _, _ := setup(t, "1000")
		_, err := l.Reserve(ctx, "nope", d("1"), ReserveOpts{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("recorder failure leaves balances", func(t *testing.T) {
		t.Parallel()
		l, rec, _ := setup(t, "1000")
		rec.fail = errors.New("disk full")
		_, err := l.Reserve(ctx, "v1", d("10"), ReserveOpts{})
		assert.Error(t, err)
		assertBalances(t, l, "1000", "1000", "0")
	})
}

func TestCommitRejectsMoreThanReserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "1000")

	res, err := l.Reserve(ctx, "v1", d("10"), ReserveOpts{})
	require.NoError(t, err)
	assert.ErrorIs(t, l.Commit(ctx, res.ID, d("11"), "p"), domain.ErrInvalidInput)
	assert.ErrorIs(t, l.Commit(ctx, res.ID, d("5"), ""), domain.ErrInvalidInput)
}

func TestApplyPnl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "1000")

	require.NoError(t, l.ApplyPnl(ctx, "v1", d("250"), "funding"))
	assertBalances(t, l, "1250", "1250", "0")
	v, _ := l.Snapshot("v1")
	assert.True(t, d("1250").Equal(v.PeakBalance))

	_, err := l.Reserve(ctx, "v1", d("1200"), ReserveOpts{})
	require.NoError(t, err)
	err = l.ApplyPnl(ctx, "v1", d("-60"), "fee")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assertBalances(t, l, "1250", "50", "1200")
}

func TestSettleFloorsLossAtMargin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "10000")

	res, err := l.Reserve(ctx, "v1", d("100"), ReserveOpts{OpensPosition: true})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res.ID, d("100"), "pos-1"))

	realized, err := l.Settle(ctx, "v1", "pos-1", d("100"), d("-250"), true)
	require.NoError(t, err)
	assert.True(t, d("-100").Equal(realized))
	assertBalances(t, l, "9900", "9900", "0")

	v, _ := l.Snapshot("v1")
	assert.Equal(t, 0, v.CurrentPositions)

	_, err = l.Settle(ctx, "v1", "pos-1", d("1"), d("0"), true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettlePartial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "10000")

	res, err := l.Reserve(ctx, "v1", d("200"), ReserveOpts{OpensPosition: true})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res.ID, d("200"), "pos-1"))

	_, err = l.Settle(ctx, "v1", "pos-1", d("50"), d("30"), false)
	require.NoError(t, err)
	assertBalances(t, l, "10030", "9880", "150")

	st, err := l.Status("v1")
	require.NoError(t, err)
	assert.True(t, d("150").Equal(st.Committed["pos-1"]))

	_, err = l.Settle(ctx, "v1", "pos-1", d("151"), d("0"), false)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// A cumulative daily loss of 5% trips the breaker until the next local day.
func TestDailyLossBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, clk := setup(t, "10000")

	require.NoError(t, l.ApplyPnl(ctx, "v1", d("-300"), "loss"))
	_, err := l.Reserve(ctx, "v1", d("10"), ReserveOpts{OpensPosition: true})
	require.NoError(t, err)

	require.NoError(t, l.ApplyPnl(ctx, "v1", d("-200"), "loss"))
	st, _ := l.Status("v1")
	assert.Equal(t, BreakerDailyLoss, st.Breaker)
	assert.True(t, st.Blocked())

	_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{OpensPosition: true})
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerActive)
	_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{})
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerActive)

	clk.Advance(15 * time.Hour)
	st, _ = l.Status("v1")
	assert.Equal(t, BreakerNone, st.Breaker)
	assert.True(t, d("9500").Equal(st.DayStart))
	_, err = l.Reserve(ctx, "v1", d("10"), ReserveOpts{})
	assert.NoError(t, err)
}

func TestBreakerResetsAtLocalMidnight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := &clock{t: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)}
	l := New(nil, WithClock(clk.Now))
	require.NoError(t, l.Register(ctx, domain.Vault{ID: "ny", CurrentBalance: d("1000"), Timezone: "America/New_York"}))

	require.NoError(t, l.ApplyPnl(ctx, "ny", d("-60"), "loss"))
	st, _ := l.Status("ny")
	require.Equal(t, BreakerDailyLoss, st.Breaker)

	// 04:59 UTC is still the previous evening in New York
	clk.Advance(8*time.Hour + 59*time.Minute)
	st, _ = l.Status("ny")
	assert.Equal(t, BreakerDailyLoss, st.Breaker)

	clk.Advance(2 * time.Minute)
	st, _ = l.Status("ny")
	assert.Equal(t, BreakerNone, st.Breaker)
}

func TestDrawdownBreakerRetrips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	l := New(nil, WithClock(clk.Now), WithDefaults(func() Limits {
		return Limits{MaxPositions: 5, MaxPositionSize: 1, MaxDailyLoss: 0.5, MaxDrawdown: 0.2}
	}))
	require.NoError(t, l.Register(ctx, domain.Vault{ID: "v", CurrentBalance: d("1000")}))

	require.NoError(t, l.ApplyPnl(ctx, "v", d("-200"), "loss"))
	st, _ := l.Status("v")
	assert.Equal(t, BreakerDrawdown, st.Breaker)

	clk.Advance(24 * time.Hour)
	st, _ = l.Status("v")
	assert.Equal(t, BreakerDrawdown, st.Breaker)

	require.NoError(t, l.Deposit(ctx, "v", d("300"), "top up"))
	clk.Advance(24 * time.Hour)
	st, _ = l.Status("v")
	assert.Equal(t, BreakerNone, st.Breaker)
}

func TestHaltAndReenable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "1000")

	require.NoError(t, l.Halt("v1", "critical risk"))
	v, _ := l.Snapshot("v1")
	assert.False(t, v.AutoTrading)
	_, err := l.Reserve(ctx, "v1", d("1"), ReserveOpts{})
	assert.ErrorIs(t, err, domain.ErrCircuitBreakerActive)

	require.NoError(t, l.Reenable("v1"))
	_, err = l.Reserve(ctx, "v1", d("1"), ReserveOpts{})
	assert.NoError(t, err)
}

func TestSnapshotInheritsDefaults(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxPositions: 3, MaxPositionSize: 2, MaxDailyLoss: 0.04, MaxDrawdown: 0.1}
	l := New(nil, WithDefaults(func() Limits { return limits }))
	require.NoError(t, l.Register(context.Background(), domain.Vault{ID: "v", CurrentBalance: d("1"), MaxDailyLoss: 0.02}))

	v, err := l.Snapshot("v")
	require.NoError(t, err)
	assert.Equal(t, 3, v.MaxPositions)
	assert.Equal(t, 2.0, v.MaxPositionSize)
	assert.Equal(t, 0.02, v.MaxDailyLoss)
	assert.Equal(t, 0.1, v.MaxDrawdown)
}

func TestRegisterRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(nil)

	assert.ErrorIs(t, l.Register(ctx, domain.Vault{}), domain.ErrInvalidInput)
	assert.ErrorIs(t, l.Register(ctx, domain.Vault{ID: "x", CurrentBalance: d("-1")}), domain.ErrInvalidInput)
	assert.ErrorIs(t, l.Register(ctx, domain.Vault{ID: "x", Timezone: "Nowhere/Land"}), domain.ErrInvalidInput)
	require.NoError(t, l.Register(ctx, domain.Vault{ID: "x"}))
	assert.ErrorIs(t, l.Register(ctx, domain.Vault{ID: "x"}), domain.ErrInvalidInput)
	assert.Equal(t, []string{"x"}, l.IDs())
}

func TestConcurrentReservationsNeverDoubleSpend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "1000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "v1", d("100"), ReserveOpts{}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assertBalances(t, l, "1000", "0", "1000")
}

// Random operation sequences never break available + reserved <= current.
func TestRandomOperationsKeepBalanceInvariant(t *testing.T) {
	t.Parallel()
	if domain.DebugBuild() {
		t.Skip("violations panic in debug builds")
	}
	ctx := context.Background()

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		clk := &clock{t: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}
		l := New(nil, WithClock(clk.Now))
		require.NoError(t, l.Register(ctx, domain.Vault{ID: "v", CurrentBalance: d("5000"), MaxPositions: 3}))

		var pending []Reservation
		var positions []string
		for step := 0; step < 300; step++ {
			amt := decimal.NewFromInt(rng.Int63n(800) + 1)
			var err error
			switch op := rng.Intn(7); op {
			case 0, 1:
				var res Reservation
				res, err = l.Reserve(ctx, "v", amt, ReserveOpts{OpensPosition: rng.Intn(2) == 0})
				if err == nil {
					pending = append(pending, res)
				}
			case 2:
				if len(pending) == 0 {
					continue
				}
				i := rng.Intn(len(pending))
				res := pending[i]
				pending = append(pending[:i], pending[i+1:]...)
				actual := res.Amount.Mul(decimal.NewFromFloat(rng.Float64())).Round(2)
				switch {
				case res.OpensPosition:
					posID := "p" + res.ID
					if err = l.Commit(ctx, res.ID, actual, posID); err == nil {
						positions = append(positions, posID)
					}
				case len(positions) > 0:
					err = l.Commit(ctx, res.ID, actual, positions[rng.Intn(len(positions))])
				default:
					err = l.Release(ctx, res.ID)
				}
			case 3:
				if len(pending) == 0 {
					continue
				}
				i := rng.Intn(len(pending))
				err = l.Release(ctx, pending[i].ID)
				pending = append(pending[:i], pending[i+1:]...)
			case 4:
				delta := decimal.NewFromInt(rng.Int63n(600) - 350)
				err = l.ApplyPnl(ctx, "v", delta, "random")
			case 5:
				if len(positions) == 0 {
					continue
				}
				i := rng.Intn(len(positions))
				pnl := decimal.NewFromInt(rng.Int63n(400) - 250)
				_, err = l.Settle(ctx, "v", positions[i], decimal.Zero, pnl, true)
				positions = append(positions[:i], positions[i+1:]...)
			case 6:
				clk.Advance(time.Duration(rng.Intn(6)) * time.Hour)
			}

			if err != nil {
				var iv *domain.InvariantViolation
				require.False(t, errors.As(err, &iv), "seed %d step %d: %v", seed, step, err)
				assert.True(t, domain.IsLimitError(err) || errors.Is(err, domain.ErrInvalidInput),
					"seed %d step %d: unexpected %v", seed, step, err)
			}

			v, err := l.Snapshot("v")
			require.NoError(t, err)
			require.False(t, v.AvailableBalance.IsNegative(), "seed %d step %d", seed, step)
			require.False(t, v.ReservedBalance.IsNegative(), "seed %d step %d", seed, step)
			require.True(t, v.AvailableBalance.Add(v.ReservedBalance).LessThanOrEqual(v.CurrentBalance),
				"seed %d step %d: %s + %s > %s", seed, step, v.AvailableBalance, v.ReservedBalance, v.CurrentBalance)
			require.LessOrEqual(t, v.CurrentPositions, v.MaxPositions)
		}
	}
}

func TestLoweredMaxPositionsKeepsVaultLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	limits := Limits{MaxPositions: 3, MaxPositionSize: 1, MaxDailyLoss: 0.5, MaxDrawdown: 0.5}
	l := New(&memRecorder{}, WithDefaults(func() Limits {
		mu.Lock()
		defer mu.Unlock()
		return limits
	}))
	require.NoError(t, l.Register(ctx, domain.Vault{ID: "v1", CurrentBalance: d("10000")}))

	for _, pid := range []string{"p1", "p2", "p3"} {
		res, err := l.Reserve(ctx, "v1", d("100"), ReserveOpts{OpensPosition: true, PositionID: pid})
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, res.ID, res.Amount, pid))
	}

	// hot reload tightens the default
	mu.Lock()
	limits.MaxPositions = 1
	mu.Unlock()

	require.NoError(t, l.ApplyPnl(ctx, "v1", d("10"), "funding"))
	_, err := l.Settle(ctx, "v1", "p1", decimal.Zero, d("-20"), true)
	require.NoError(t, err)

	st, err := l.Status("v1")
	require.NoError(t, err)
	assert.NoError(t, st.Broken)

	// the lower limit still gates new opens
	_, err = l.Reserve(ctx, "v1", d("100"), ReserveOpts{OpensPosition: true})
	assert.ErrorIs(t, err, domain.ErrPositionLimitExceeded)

	v, err := l.Snapshot("v1")
	require.NoError(t, err)
	assert.Equal(t, 2, v.CurrentPositions)
	assert.True(t, d("9990").Equal(v.CurrentBalance), "current %s", v.CurrentBalance)
}

func TestSettleOnHaltedVault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := setup(t, "10000")

	res, err := l.Reserve(ctx, "v1", d("100"), ReserveOpts{OpensPosition: true, PositionID: "p1"})
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res.ID, res.Amount, "p1"))
	require.NoError(t, l.Break("v1", errors.New("engine out of sync")))

	_, err = l.Reserve(ctx, "v1", d("100"), ReserveOpts{})
	assert.ErrorIs(t, err, domain.ErrVaultHalted)
	assert.ErrorIs(t, l.ApplyPnl(ctx, "v1", d("5"), "fee"), domain.ErrVaultHalted)

	pnl, err := l.Settle(ctx, "v1", "p1", decimal.Zero, d("-30"), true)
	require.NoError(t, err)
	assert.True(t, d("-30").Equal(pnl))
	assertBalances(t, l, "9970", "9970", "0")

	require.NoError(t, l.Resume("v1"))
	v, err := l.Snapshot("v1")
	require.NoError(t, err)
	assert.Zero(t, v.CurrentPositions)
}
