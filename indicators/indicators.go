// Package indicators provides streaming statistics over mark prices.
package indicators

import "time"

// Indicator computes a single streaming value from prices.
// It is deterministic and safe to use in live and replay runs.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)" or "RVOL(30)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next mark price observed at t.
	Update(price float64, t time.Time)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, or 0 before Ready.
	Value() float64
}
