package cluster

import (
	"testing"
	"time"

	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(price float64, at time.Time) pricing.Tick {
	return pricing.Tick{Symbol: "BTCUSDT", Time: at, Bid: price, Ask: price, Volume24h: 1_000_000}
}

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                  string
		strength, vol, conf   float64
		wantImpact, wantScore float64
	}{
		{"typical", 50_000, 1_000_000, 0.8, 0.05, 0.04},
		{"clamped", 5_000_000, 1_000_000, 0.9, 5, 1},
		{"no volume", 50_000, 0, 0.8, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			impact, score := Score(tt.strength, tt.vol, tt.conf)
			assert.InDelta(t, tt.wantImpact, impact, 1e-12)
			assert.InDelta(t, tt.wantScore, score, 1e-12)
		})
	}
}

func TestUpsertReplacesSameLevel(t *testing.T) {
	t.Parallel()

	m := NewMonitor(0.02, time.Hour)
	m.SetVolume("BTCUSDT", 1_000_000)
	first := m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 51000, ClusterStrength: 10_000, Confidence: 1}, t0)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, t0.Add(time.Hour), first.ExpiresAt)
	assert.InDelta(t, 0.01, first.OpportunityScore, 1e-12)

	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 51000, ClusterStrength: 20_000, Confidence: 1}, t0)
	got := m.Clusters("BTCUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, 20_000.0, got[0].ClusterStrength)

	m.SetVolume("BTCUSDT", 2_000_000)
	assert.InDelta(t, 0.01, m.Clusters("BTCUSDT")[0].OpportunityScore, 1e-12)
}

func TestOnTickTriggersAndExpires(t *testing.T) {
	t.Parallel()

	m := NewMonitor(0.02, time.Hour)
	m.OnTick(tick(50000, t0))
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideLong, PriceLevel: 49000, ClusterStrength: 1}, t0)
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 50500, ClusterStrength: 1}, t0)
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 52000, ClusterStrength: 1, ExpiresAt: t0.Add(time.Minute)}, t0)

	assert.Equal(t, 50500.0, m.Clusters("BTCUSDT")[0].PriceLevel)

	events := m.OnTick(tick(50600, t0.Add(30*time.Second)))
	require.Len(t, events, 1)
	assert.Equal(t, Triggered, events[0].Kind)
	assert.Equal(t, 50500.0, events[0].Cluster.PriceLevel)

	events = m.OnTick(tick(50000, t0.Add(2*time.Minute)))
	require.Len(t, events, 1)
	assert.Equal(t, Expired, events[0].Kind)

	events = m.OnTick(tick(48900, t0.Add(3*time.Minute)))
	require.Len(t, events, 1)
	assert.Equal(t, domain.SideLong, events[0].Cluster.Side)
	assert.Empty(t, m.Clusters("BTCUSDT"))
}

func TestProximity(t *testing.T) {
	t.Parallel()

	m := NewMonitor(0.02, time.Hour)
	m.OnTick(tick(50000, t0))
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 50800, ClusterStrength: 5}, t0)
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 50900, ClusterStrength: 9}, t0)
	m.Upsert(domain.LiquidationCluster{Symbol: "BTCUSDT", Side: domain.SideShort, PriceLevel: 53000, ClusterStrength: 99}, t0)

	c, ok := m.Proximity("BTCUSDT", 50000, FavorableSide(domain.SideLong), 0)
	require.True(t, ok)
	assert.Equal(t, 50900.0, c.PriceLevel)

	_, ok = m.Proximity("BTCUSDT", 50000, FavorableSide(domain.SideShort), 0)
	assert.False(t, ok)

	c, ok = m.Proximity("BTCUSDT", 50000, domain.SideShort, 0.1)
	require.True(t, ok)
	assert.Equal(t, 53000.0, c.PriceLevel)
}
