package decision

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/sirupsen/logrus"
)

// pending looks up a decision and returns with the vault locked.
func (e *Engine) pending(vaultID, decisionID string) (*vault, *domain.TradingDecision, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return nil, nil, err
	}
	v.mu.Lock()
	d, ok := v.decisions[decisionID]
	if !ok {
		v.mu.Unlock()
		return nil, nil, errors.Wrapf(domain.ErrNotFound, "decision %s", decisionID)
	}
	return v, d, nil
}

// MarkExecuting records that the execution collaborator picked up the
// decision.
func (e *Engine) MarkExecuting(ctx context.Context, vaultID, decisionID string) error {
	v, d, err := e.pending(vaultID, decisionID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()
	if err := d.Transition(domain.ExecExecuting, e.now()); err != nil {
		return err
	}
	return e.rec.RecordDecision(ctx, *d)
}

// MarkExecuted applies a deferred decision at the fill price. A zero price
// uses the current mark. A decision that can no longer be applied ends
// failed and the error is returned.
func (e *Engine) MarkExecuted(ctx context.Context, vaultID, decisionID string, price float64) error {
	v, d, err := e.pending(vaultID, decisionID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()
	if d.ExecutionStatus.Terminal() {
		return errors.Wrapf(domain.ErrInvalidTransition, "decision %s is %s", d.ID, d.ExecutionStatus)
	}

	now := e.now()
	xerr := e.execute(ctx, v, d, price, now)
	if err := e.rec.RecordDecision(ctx, *d); err != nil {
		return errors.Wrap(err, "record decision")
	}
	e.log.WithFields(logrus.Fields{"vault": v.id, "decision": d.ID, "status": d.ExecutionStatus}).Info("decision executed")
	return xerr
}

// MarkFailed records an execution failure and returns any reservation.
func (e *Engine) MarkFailed(ctx context.Context, vaultID, decisionID, reason string) error {
	v, d, err := e.pending(vaultID, decisionID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()
	now := e.now()
	if err := d.Transition(domain.ExecFailed, now); err != nil {
		return err
	}
	if fl, ok := v.inflight[d.ID]; ok {
		delete(v.inflight, d.ID)
		if err := e.ledger.Release(ctx, fl.res.ID); err != nil {
			return err
		}
	}
	d.Reasoning = d.Reasoning + ": failed, " + reason
	e.log.WithFields(logrus.Fields{"vault": v.id, "decision": d.ID, "reason": reason}).Warn("decision failed")
	return e.rec.RecordDecision(ctx, *d)
}

// Cancel withdraws a decision before it executes.
func (e *Engine) Cancel(ctx context.Context, vaultID, decisionID, reason string) error {
	v, d, err := e.pending(vaultID, decisionID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()
	return e.cancel(ctx, v, d, domain.CodeNone, reason, e.now())
}
