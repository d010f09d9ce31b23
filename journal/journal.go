// Package journal persists the records the engine and ledger produce.
package journal

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
)

// Journal is an append-mostly sink for engine and ledger records. Decisions
// are upserted by id as their execution status moves.
type Journal interface {
	RecordDecision(ctx context.Context, d domain.TradingDecision) error
	RecordBalanceChange(ctx context.Context, c domain.BalanceChange) error
	RecordScale(ctx context.Context, s domain.PositionScale) error
	RecordClosure(ctx context.Context, c domain.PositionClosure) error
	RecordAssessment(ctx context.Context, a domain.RiskAssessment) error
	RecordAggregation(ctx context.Context, c domain.ConsensusSignal) error
	Close() error
}

// Store is a Journal that can be read back.
type Store interface {
	Journal
	GetDecision(ctx context.Context, id string) (domain.TradingDecision, error)
	ListDecisions(ctx context.Context, vaultID string) ([]domain.TradingDecision, error)
	ListBalanceChanges(ctx context.Context, vaultID string) ([]domain.BalanceChange, error)
	ListClosures(ctx context.Context, positionID string) ([]domain.PositionClosure, error)
	ListScales(ctx context.Context, positionID string) ([]domain.PositionScale, error)
}

// Open returns the store named by c.
func Open(c config.JournalConfig) (Store, error) {
	switch c.Type {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(c.DBPath)
	case "postgres":
		return NewPostgres(c.DSN)
	}
	return nil, errors.Errorf("unknown journal type %q", c.Type)
}

// Tee fans every record out to each journal in order and stops at the
// first error.
type Tee []Journal

func (t Tee) each(fn func(Journal) error) error {
	for _, j := range t {
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) RecordDecision(ctx context.Context, d domain.TradingDecision) error {
	return t.each(func(j Journal) error { return j.RecordDecision(ctx, d) })
}

func (t Tee) RecordBalanceChange(ctx context.Context, c domain.BalanceChange) error {
	return t.each(func(j Journal) error { return j.RecordBalanceChange(ctx, c) })
}

func (t Tee) RecordScale(ctx context.Context, s domain.PositionScale) error {
	return t.each(func(j Journal) error { return j.RecordScale(ctx, s) })
}

func (t Tee) RecordClosure(ctx context.Context, c domain.PositionClosure) error {
	return t.each(func(j Journal) error { return j.RecordClosure(ctx, c) })
}

func (t Tee) RecordAssessment(ctx context.Context, a domain.RiskAssessment) error {
	return t.each(func(j Journal) error { return j.RecordAssessment(ctx, a) })
}

func (t Tee) RecordAggregation(ctx context.Context, c domain.ConsensusSignal) error {
	return t.each(func(j Journal) error { return j.RecordAggregation(ctx, c) })
}

// Close closes every journal and returns the first error.
func (t Tee) Close() error {
	var first error
	for _, j := range t {
		if err := j.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
