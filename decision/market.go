package decision

import (
	"context"
	"time"

	"github.com/rustyeddy/riskengine/cluster"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/position"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OnTick marks every vault's position on the tick's symbol and books the
// exits it fires. A settled liquidation cancels the position's in-flight
// decisions.
func (e *Engine) OnTick(ctx context.Context, t pricing.Tick) ([]position.Event, error) {
	e.ticks.Set(t)
	for _, ev := range e.clusters.OnTick(t) {
		if ev.Kind == cluster.Triggered {
			e.log.WithFields(logrus.Fields{"symbol": t.Symbol, "level": ev.Cluster.PriceLevel, "side": ev.Cluster.Side}).Debug("cluster cleared")
		}
	}
	price := t.Mark()
	if price <= 0 {
		return nil, nil
	}
	e.vol.Update(t.Symbol, price, t.Time)

	vs := e.all()
	results := make([][]position.Event, len(vs))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range vs {
		g.Go(func() error {
			v.mu.Lock()
			defer v.mu.Unlock()
			evs, err := e.onPrice(ctx, v, t.Symbol, price, t.Time)
			results[i] = evs
			return err
		})
	}
	err := g.Wait()

	var out []position.Event
	for _, evs := range results {
		out = append(out, evs...)
	}
	return out, err
}

// onPrice marks one vault. An exit the ledger cannot book is rolled back
// so the position stays open and the next tick retries it.
func (e *Engine) onPrice(ctx context.Context, v *vault, symbol string, price float64, now time.Time) ([]position.Event, error) {
	undo := func() {}
	if p, ok := v.positions.Active(symbol); ok {
		undo = v.positions.Checkpoint(p.ID)
	}
	evs, err := v.positions.OnPrice(symbol, price, now)
	if err != nil {
		e.halt(v, err)
		return nil, err
	}
	for _, ev := range evs {
		fields := logrus.Fields{"vault": v.id, "position": ev.PositionID, "price": ev.Price}
		if ev.Settlement == nil {
			e.log.WithFields(fields).WithField("distance", ev.Distance).Info(string(ev.Kind))
			continue
		}
		booked, err := e.settle(ctx, v, *ev.Settlement, "", now)
		if !booked {
			undo()
			e.log.WithFields(fields).WithError(err).Error(string(ev.Kind) + " not settled, position kept open")
			return nil, nil
		}
		if err != nil {
			return evs, err
		}
		e.log.WithFields(fields).WithField("pnl", ev.Settlement.Pnl.String()).Info(string(ev.Kind))
	}
	return evs, nil
}

// RunAssessments scores every vault, emits protective closes for open
// positions when risk calls for them and halts vaults at critical risk.
func (e *Engine) RunAssessments(ctx context.Context) ([]domain.RiskAssessment, []domain.TradingDecision, error) {
	vs := e.all()
	assessments := make([]domain.RiskAssessment, len(vs))
	decisions := make([][]domain.TradingDecision, len(vs))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range vs {
		g.Go(func() error {
			v.mu.Lock()
			defer v.mu.Unlock()
			a, ds, err := e.assessVault(ctx, v, e.now())
			assessments[i], decisions[i] = a, ds
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var out []domain.TradingDecision
	for _, ds := range decisions {
		out = append(out, ds...)
	}
	return assessments, out, nil
}

func (e *Engine) assessVault(ctx context.Context, v *vault, now time.Time) (domain.RiskAssessment, []domain.TradingDecision, error) {
	snap, err := e.ledger.Snapshot(v.id)
	if err != nil {
		return domain.RiskAssessment{}, nil, err
	}
	a, err := e.assess(ctx, v, snap, "", now)
	if err != nil {
		return a, nil, err
	}

	var out []domain.TradingDecision
	th := ThresholdsFromConfig(e.cfg().Engine)
	for _, p := range v.positions.Positions() {
		if e.hasPendingClose(v, p.ID) {
			continue
		}
		price := e.mark(p.Symbol, p.AverageEntryPrice)
		base := domain.TradingDecision{
			ID:              id.At(now),
			VaultID:         v.id,
			Symbol:          p.Symbol,
			Confidence:      1,
			RiskScore:       a.OverallRiskScore,
			EntryPrice:      price,
			ExecutionStatus: domain.ExecPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		pos := p
		d, ok := Protect(Input{Vault: snap, Assessment: a, Position: &pos, Price: price, Thresholds: th, Now: now}, base)
		if !ok {
			continue
		}
		if e.cfg().Engine.ExecutionMode == config.ModeImmediate {
			if err := e.execute(ctx, v, &d, price, now); err != nil {
				e.log.WithError(err).WithField("decision", d.ID).Warn("protective close failed")
			}
		}
		if err := e.store1(ctx, v, &d); err != nil {
			return a, out, err
		}
		e.log.WithFields(logrus.Fields{"vault": v.id, "decision": d.ID, "position": p.ID, "status": d.ExecutionStatus}).Warn(d.Reasoning)
		out = append(out, d)
	}

	if a.HaltAutoTrading {
		if err := e.ledger.Halt(v.id, "critical risk "+a.ID); err != nil {
			return a, out, err
		}
	}
	return a, out, nil
}

func (e *Engine) hasPendingClose(v *vault, positionID string) bool {
	for _, did := range v.order {
		d := v.decisions[did]
		if d.PositionID == positionID && d.DecisionType == domain.DecisionClosePosition && !d.ExecutionStatus.Terminal() {
			return true
		}
	}
	return false
}

// Run assesses every vault each risk interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg().Engine.RiskInterval()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, _, err := e.RunAssessments(ctx); err != nil {
				e.log.WithError(err).Error("scheduled assessment")
			}
			if next := e.cfg().Engine.RiskInterval(); next != interval {
				interval = next
				tick.Reset(interval)
			}
		}
	}
}
