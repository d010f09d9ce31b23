package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

// ErrStalePrice is returned when the latest tick is older than allowed.
var ErrStalePrice = errors.New("stale price")

// TickSource supplies mark prices, e.g. a websocket feed or replay file.
type TickSource interface {
	GetTick(ctx context.Context, symbol string) (Tick, error)
}

type Tick struct {
	Symbol    string
	Time      time.Time
	Bid       float64
	Ask       float64
	Volume24h float64
}

// Mark is the price positions are valued at.
func (t Tick) Mark() float64 {
	if t.Bid == 0 && t.Ask == 0 {
		return 0
	}
	if t.Bid == 0 {
		return t.Ask
	}
	if t.Ask == 0 {
		return t.Bid
	}
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// TickStore keeps the latest tick per symbol.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

// Set stores p unless a newer tick for the symbol is already held.
func (ps *TickStore) Set(p Tick) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cur, ok := ps.ticks[p.Symbol]; ok && cur.Time.After(p.Time) {
		return
	}
	ps.ticks[p.Symbol] = p
}

func (ps *TickStore) Get(symbol string) (Tick, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.ticks[symbol]
	if !ok {
		return Tick{}, errors.Wrapf(domain.ErrNotFound, "price for %s", symbol)
	}
	return p, nil
}

// Fresh returns the tick for symbol if it is no older than maxAge at now.
func (ps *TickStore) Fresh(symbol string, now time.Time, maxAge time.Duration) (Tick, error) {
	p, err := ps.Get(symbol)
	if err != nil {
		return Tick{}, err
	}
	if now.Sub(p.Time) > maxAge {
		return p, errors.Wrapf(ErrStalePrice, "%s last tick at %s", symbol, p.Time.Format(time.RFC3339))
	}
	return p, nil
}

// Symbols returns the symbols with a stored tick.
func (ps *TickStore) Symbols() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, 0, len(ps.ticks))
	for s := range ps.ticks {
		out = append(out, s)
	}
	return out
}
