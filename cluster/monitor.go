package cluster

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/sirupsen/logrus"
)

type EventKind string

const (
	// Triggered means price crossed the level; the forced flow is expected
	// to relieve pressure against positions on the opposite side.
	Triggered EventKind = "triggered"
	Expired   EventKind = "expired"
)

type Event struct {
	Kind    EventKind
	Cluster domain.LiquidationCluster
	Price   float64
	At      time.Time
}

// Monitor tracks known liquidation clusters per symbol. Safe for
// concurrent use.
type Monitor struct {
	band float64
	ttl  time.Duration
	log  *logrus.Entry

	mu       sync.RWMutex
	clusters map[string][]domain.LiquidationCluster
	volume   map[string]float64
	last     map[string]pricing.Tick
}

// NewMonitor returns a monitor using band as the default proximity band and
// ttl for clusters upserted without an expiry.
func NewMonitor(band float64, ttl time.Duration) *Monitor {
	return &Monitor{
		band:     band,
		ttl:      ttl,
		log:      logging.For("cluster"),
		clusters: make(map[string][]domain.LiquidationCluster),
		volume:   make(map[string]float64),
		last:     make(map[string]pricing.Tick),
	}
}

// Score derives market impact and opportunity score for a cluster.
func Score(strength, volume24h, confidence float64) (impact, opportunity float64) {
	if volume24h <= 0 {
		return 0, 0
	}
	impact = strength / volume24h
	return impact, math.Max(0, math.Min(1, impact*confidence))
}

// FavorableSide is the cluster side whose liquidation moves price in favor
// of a position on side.
func FavorableSide(side domain.Side) domain.Side {
	return side.Opposite()
}

func sameLevel(a, b domain.LiquidationCluster) bool {
	return a.Side == b.Side && a.PriceLevel == b.PriceLevel
}

// Upsert adds c or replaces the cluster at the same (side, level).
func (m *Monitor) Upsert(c domain.LiquidationCluster, now time.Time) domain.LiquidationCluster {
	if c.ID == "" {
		c.ID = id.At(now)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(m.ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c.MarketImpact, c.OpportunityScore = Score(c.ClusterStrength, m.volume[c.Symbol], c.Confidence)

	list := m.clusters[c.Symbol]
	for i := range list {
		if sameLevel(list[i], c) {
			list[i] = c
			m.sortLocked(c.Symbol)
			return c
		}
	}
	m.clusters[c.Symbol] = append(list, c)
	m.sortLocked(c.Symbol)
	return c
}

// SetVolume records the 24h volume for symbol and rescores its clusters.
func (m *Monitor) SetVolume(symbol string, volume24h float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setVolumeLocked(symbol, volume24h)
}

func (m *Monitor) setVolumeLocked(symbol string, volume24h float64) {
	if m.volume[symbol] == volume24h {
		return
	}
	m.volume[symbol] = volume24h
	list := m.clusters[symbol]
	for i := range list {
		list[i].MarketImpact, list[i].OpportunityScore = Score(list[i].ClusterStrength, volume24h, list[i].Confidence)
	}
}

// OnTick drops expired clusters and removes those the price crossed.
func (m *Monitor) OnTick(t pricing.Tick) []Event {
	price := t.Mark()
	if price <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last[t.Symbol] = t
	if t.Volume24h > 0 {
		m.setVolumeLocked(t.Symbol, t.Volume24h)
	}

	var events []Event
	keep := m.clusters[t.Symbol][:0]
	for _, c := range m.clusters[t.Symbol] {
		switch {
		case !t.Time.Before(c.ExpiresAt):
			events = append(events, Event{Kind: Expired, Cluster: c, Price: price, At: t.Time})
		case crossed(c, price):
			events = append(events, Event{Kind: Triggered, Cluster: c, Price: price, At: t.Time})
			m.log.WithFields(logrus.Fields{
				"symbol": c.Symbol,
				"side":   c.Side,
				"level":  c.PriceLevel,
				"price":  price,
			}).Info("liquidation cluster triggered")
		default:
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		delete(m.clusters, t.Symbol)
	} else {
		m.clusters[t.Symbol] = keep
		m.sortLocked(t.Symbol)
	}
	return events
}

// crossed reports whether price reached the level: long liquidations sit
// below market, short liquidations above.
func crossed(c domain.LiquidationCluster, price float64) bool {
	if c.Side == domain.SideLong {
		return price <= c.PriceLevel
	}
	return price >= c.PriceLevel
}

func (m *Monitor) sortLocked(symbol string) {
	list := m.clusters[symbol]
	last, ok := m.last[symbol]
	if !ok {
		return
	}
	price := last.Mark()
	sort.SliceStable(list, func(i, j int) bool {
		return math.Abs(list[i].PriceLevel-price) < math.Abs(list[j].PriceLevel-price)
	})
}

// Clusters returns the live clusters for symbol, nearest to the last price
// first.
func (m *Monitor) Clusters(symbol string) []domain.LiquidationCluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.LiquidationCluster(nil), m.clusters[symbol]...)
}

// Proximity returns the strongest side cluster within band of price. A
// band of zero uses the monitor default.
func (m *Monitor) Proximity(symbol string, price float64, side domain.Side, band float64) (domain.LiquidationCluster, bool) {
	if band <= 0 {
		band = m.band
	}
	if price <= 0 {
		return domain.LiquidationCluster{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var asOf time.Time
	if last, ok := m.last[symbol]; ok {
		asOf = last.Time
	}

	var best domain.LiquidationCluster
	found := false
	for _, c := range m.clusters[symbol] {
		if c.Side != side || (!asOf.IsZero() && !asOf.Before(c.ExpiresAt)) {
			continue
		}
		if math.Abs(c.PriceLevel-price)/price > band {
			continue
		}
		if !found || c.ClusterStrength > best.ClusterStrength {
			best, found = c, true
		}
	}
	return best, found
}
