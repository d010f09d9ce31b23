package consensus

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

// Book holds the newest consensus per key. Expiry is checked when a
// signal is read, so a signal that aged out while queued is never used.
type Book struct {
	mu     sync.RWMutex
	latest map[Key]domain.ConsensusSignal
}

func NewBook() *Book {
	return &Book{latest: make(map[Key]domain.ConsensusSignal)}
}

// Put stores sig unless a newer aggregation for the key is already held.
func (b *Book) Put(sig domain.ConsensusSignal) bool {
	k := Key{Symbol: sig.Symbol, Timeframe: sig.Timeframe}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.latest[k]; ok && cur.CreatedAt.After(sig.CreatedAt) {
		return false
	}
	b.latest[k] = sig
	return true
}

// Latest returns the current consensus for k, or ErrStaleAggregation if
// it has expired at now.
func (b *Book) Latest(k Key, now time.Time) (domain.ConsensusSignal, error) {
	b.mu.RLock()
	sig, ok := b.latest[k]
	b.mu.RUnlock()
	if !ok {
		return domain.ConsensusSignal{}, errors.Wrapf(domain.ErrNotFound, "consensus for %s/%s", k.Symbol, k.Timeframe)
	}
	if sig.Expired(now) {
		return sig, errors.Wrapf(domain.ErrStaleAggregation, "%s expired at %s", sig.ID, sig.ExpiresAt.Format(time.RFC3339))
	}
	return sig, nil
}
