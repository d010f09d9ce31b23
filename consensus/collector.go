package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

// Key identifies an aggregation stream.
type Key struct {
	Symbol    string
	Timeframe string
}

func KeyOf(s domain.ProcessedSignal) Key {
	return Key{Symbol: s.Symbol, Timeframe: s.Timeframe}
}

// Collector buffers incoming signals per key for the aggregation window.
type Collector struct {
	window     time.Duration
	minSources int
	now        func() time.Time

	mu     sync.Mutex
	bufs   map[Key][]domain.ProcessedSignal
	notify map[Key]chan struct{}
}

func NewCollector(window time.Duration, minSources int) *Collector {
	return &Collector{
		window:     window,
		minSources: minSources,
		now:        time.Now,
		bufs:       make(map[Key][]domain.ProcessedSignal),
		notify:     make(map[Key]chan struct{}),
	}
}

// SetClock replaces the time source used for pruning.
func (c *Collector) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Add buffers s and wakes any waiter on its key.
func (c *Collector) Add(s domain.ProcessedSignal) {
	k := KeyOf(s)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufs[k] = append(c.bufs[k], s)
	if ch, ok := c.notify[k]; ok {
		close(ch)
		delete(c.notify, k)
	}
}

// pruneLocked drops signals that fell out of the window.
func (c *Collector) pruneLocked(k Key, now time.Time) []domain.ProcessedSignal {
	from := now.Add(-c.window)
	buf := c.bufs[k][:0]
	for _, s := range c.bufs[k] {
		if !s.CreatedAt.Before(from) {
			buf = append(buf, s)
		}
	}
	if len(buf) == 0 {
		delete(c.bufs, k)
		return nil
	}
	c.bufs[k] = buf
	return buf
}

// Snapshot returns the signals currently inside the window for k.
func (c *Collector) Snapshot(k Key) []domain.ProcessedSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ProcessedSignal(nil), c.pruneLocked(k, c.now())...)
}

func sources(buf []domain.ProcessedSignal) int {
	seen := make(map[string]struct{}, len(buf))
	for _, s := range buf {
		seen[s.Source] = struct{}{}
	}
	return len(seen)
}

// ready returns the window for k if it has enough sources.
func (c *Collector) ready(k Key) ([]domain.ProcessedSignal, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.pruneLocked(k, c.now())
	n := sources(buf)
	if n < c.minSources {
		return nil, n, false
	}
	return append([]domain.ProcessedSignal(nil), buf...), n, true
}

// Wait blocks until k has signals from at least minSources distinct
// sources and returns them. If ctx ends or a full window passes first, and
// a last look still finds too few sources, it returns
// ErrInsufficientSignals.
func (c *Collector) Wait(ctx context.Context, k Key) ([]domain.ProcessedSignal, error) {
	timer := time.NewTimer(c.window)
	defer timer.Stop()

	for {
		c.mu.Lock()
		buf := c.pruneLocked(k, c.now())
		if sources(buf) >= c.minSources {
			out := append([]domain.ProcessedSignal(nil), buf...)
			c.mu.Unlock()
			return out, nil
		}
		ch, ok := c.notify[k]
		if !ok {
			ch = make(chan struct{})
			c.notify[k] = ch
		}
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			out, have, ok := c.ready(k)
			if ok {
				return out, nil
			}
			return nil, errors.Wrapf(domain.ErrInsufficientSignals, "%s/%s: %d of %d sources: %v",
				k.Symbol, k.Timeframe, have, c.minSources, ctx.Err())
		case <-timer.C:
			out, have, ok := c.ready(k)
			if ok {
				return out, nil
			}
			return nil, errors.Wrapf(domain.ErrInsufficientSignals, "%s/%s: %d of %d sources after %s",
				k.Symbol, k.Timeframe, have, c.minSources, c.window)
		}
	}
}
