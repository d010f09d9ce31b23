package journal

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

// Memory is an in-process Store. Reads return copies.
type Memory struct {
	mu          sync.RWMutex
	decisions   map[string]domain.TradingDecision
	order       []string
	changes     []domain.BalanceChange
	scales      []domain.PositionScale
	closures    []domain.PositionClosure
	assessments []domain.RiskAssessment
	aggs        []domain.ConsensusSignal
}

func NewMemory() *Memory {
	return &Memory{decisions: make(map[string]domain.TradingDecision)}
}

func (m *Memory) RecordDecision(_ context.Context, d domain.TradingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; !ok {
		m.order = append(m.order, d.ID)
	}
	m.decisions[d.ID] = d
	return nil
}

func (m *Memory) RecordBalanceChange(_ context.Context, c domain.BalanceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, c)
	return nil
}

func (m *Memory) RecordScale(_ context.Context, s domain.PositionScale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scales = append(m.scales, s)
	return nil
}

func (m *Memory) RecordClosure(_ context.Context, c domain.PositionClosure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closures = append(m.closures, c)
	return nil
}

func (m *Memory) RecordAssessment(_ context.Context, a domain.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments = append(m.assessments, a)
	return nil
}

func (m *Memory) RecordAggregation(_ context.Context, c domain.ConsensusSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggs = append(m.aggs, c)
	return nil
}

func (m *Memory) GetDecision(_ context.Context, id string) (domain.TradingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return domain.TradingDecision{}, errors.Wrapf(domain.ErrNotFound, "decision %q", id)
	}
	return d, nil
}

func (m *Memory) ListDecisions(_ context.Context, vaultID string) ([]domain.TradingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TradingDecision
	for _, id := range m.order {
		if d := m.decisions[id]; d.VaultID == vaultID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListBalanceChanges(_ context.Context, vaultID string) ([]domain.BalanceChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.BalanceChange
	for _, c := range m.changes {
		if c.VaultID == vaultID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListClosures(_ context.Context, positionID string) ([]domain.PositionClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PositionClosure
	for _, c := range m.closures {
		if c.PositionID == positionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListScales(_ context.Context, positionID string) ([]domain.PositionScale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.PositionScale
	for _, s := range m.scales {
		if s.PositionID == positionID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScaleNumber < out[j].ScaleNumber })
	return out, nil
}

// Assessments returns every recorded assessment.
func (m *Memory) Assessments() []domain.RiskAssessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.RiskAssessment(nil), m.assessments...)
}

// Aggregations returns every recorded consensus signal.
func (m *Memory) Aggregations() []domain.ConsensusSignal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ConsensusSignal(nil), m.aggs...)
}

func (m *Memory) Close() error { return nil }
