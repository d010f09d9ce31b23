package indicators

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const year = 365 * 24 * time.Hour

// RealizedVol estimates annualized volatility from a stream of prices as
// an exponentially weighted average of squared log returns, each scaled by
// the time between samples. Samples that do not move the clock forward are
// ignored.
type RealizedVol struct {
	period  int
	alpha   float64
	count   int
	varYear float64
	last    float64
	lastAt  time.Time
}

func NewRealizedVol(period int) *RealizedVol {
	if period < 1 {
		period = 1
	}
	return &RealizedVol{period: period, alpha: 2.0 / float64(period+1)}
}

func (r *RealizedVol) Name() string {
	return fmt.Sprintf("RVOL(%d)", r.period)
}

func (r *RealizedVol) Warmup() int {
	return r.period + 1
}

func (r *RealizedVol) Reset() {
	*r = RealizedVol{period: r.period, alpha: r.alpha}
}

func (r *RealizedVol) Update(price float64, t time.Time) {
	if price <= 0 {
		return
	}
	if r.last <= 0 {
		r.last, r.lastAt = price, t
		return
	}
	dt := t.Sub(r.lastAt)
	if dt <= 0 {
		return
	}
	ret := math.Log(price / r.last)
	sample := ret * ret / (float64(dt) / float64(year))
	r.last, r.lastAt = price, t

	r.count++
	if r.count == 1 {
		r.varYear = sample
		return
	}
	r.varYear += r.alpha * (sample - r.varYear)
}

func (r *RealizedVol) Ready() bool {
	return r.count >= r.period
}

func (r *RealizedVol) Value() float64 {
	if !r.Ready() {
		return 0
	}
	return math.Sqrt(r.varYear)
}

// Volatility keeps one RealizedVol per symbol. It is safe for concurrent use.
type Volatility struct {
	period int

	mu   sync.Mutex
	syms map[string]*RealizedVol
}

func NewVolatility(period int) *Volatility {
	return &Volatility{period: period, syms: make(map[string]*RealizedVol)}
}

func (v *Volatility) Update(symbol string, price float64, t time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.syms[symbol]
	if !ok {
		r = NewRealizedVol(v.period)
		v.syms[symbol] = r
	}
	r.Update(price, t)
}

// Get returns symbol's estimate once it has warmed up.
func (v *Volatility) Get(symbol string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.syms[symbol]
	if !ok || !r.Ready() {
		return 0, false
	}
	return r.Value(), true
}

// Estimates returns every warmed-up estimate.
func (v *Volatility) Estimates() map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]float64, len(v.syms))
	for s, r := range v.syms {
		if r.Ready() {
			out[s] = r.Value()
		}
	}
	return out
}
