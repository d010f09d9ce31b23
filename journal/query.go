package journal

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (domain.TradingDecision, error) {
	var d domain.TradingDecision
	var meta string
	err := row.Scan(
		&d.ID, &d.VaultID, &d.AggregationID, &d.PositionID, &d.Symbol, &d.DecisionType, &d.Decision, &d.Side,
		&d.Confidence, &d.RiskScore, &d.PositionSize, &d.Leverage, &d.EntryPrice, &d.TargetPrice, &d.StopPrice,
		&d.ScaleNumber, &d.TriggerReason, &d.ClosureType, &d.Rule, &d.Reasoning, &d.ReasonCode, &d.ReservationID,
		&d.ExecutionStatus, &d.CreatedAt, &d.UpdatedAt, &meta,
	)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return d, errors.Wrapf(err, "decision %s metadata", d.ID)
	}
	return d, nil
}

// GetDecision returns a single decision by id.
func (j *SQL) GetDecision(ctx context.Context, id string) (domain.TradingDecision, error) {
	row := j.db.QueryRowContext(ctx, j.rebind(`
		SELECT `+decisionCols+`
		FROM trading_decisions
		WHERE id = ?`), id)

	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TradingDecision{}, errors.Wrapf(domain.ErrNotFound, "decision %q", id)
		}
		return domain.TradingDecision{}, err
	}
	return d, nil
}

// ListDecisions returns the vault's decisions oldest first.
func (j *SQL) ListDecisions(ctx context.Context, vaultID string) ([]domain.TradingDecision, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(`
		SELECT `+decisionCols+`
		FROM trading_decisions
		WHERE vault_id = ?
		ORDER BY created_at ASC, id ASC`), vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TradingDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListBalanceChanges returns the vault's audit trail in the order it was
// written. Ids are time ordered, so they break timestamp ties.
func (j *SQL) ListBalanceChanges(ctx context.Context, vaultID string) ([]domain.BalanceChange, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(`
		SELECT id, vault_id, change_type, reference_id, balance_before, balance_after, change_amount,
		       available_after, reserved_after, reason, created_at
		FROM balance_changes
		WHERE vault_id = ?
		ORDER BY created_at ASC, id ASC`), vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BalanceChange
	for rows.Next() {
		var c domain.BalanceChange
		if err := rows.Scan(
			&c.ID, &c.VaultID, &c.ChangeType, &c.ReferenceID, &c.BalanceBefore, &c.BalanceAfter,
			&c.ChangeAmount, &c.AvailableAfter, &c.ReservedAfter, &c.Reason, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListClosures returns a position's closures oldest first.
func (j *SQL) ListClosures(ctx context.Context, positionID string) ([]domain.PositionClosure, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(`
		SELECT id, position_id, closure_type, size_closed, closure_price, realized_pnl, remaining_size, reason, created_at
		FROM position_closures
		WHERE position_id = ?
		ORDER BY created_at ASC, id ASC`), positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PositionClosure
	for rows.Next() {
		var c domain.PositionClosure
		if err := rows.Scan(
			&c.ID, &c.PositionID, &c.ClosureType, &c.SizeClosed, &c.ClosurePrice, &c.RealizedPnl,
			&c.RemainingSize, &c.Reason, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListScales returns a position's entries by scale number.
func (j *SQL) ListScales(ctx context.Context, positionID string) ([]domain.PositionScale, error) {
	rows, err := j.db.QueryContext(ctx, j.rebind(`
		SELECT id, position_id, scale_number, entry_price, size, leverage, bankroll_percentage, margin,
		       trigger_reason, liquidation_price, decision_id, created_at
		FROM position_scales
		WHERE position_id = ?
		ORDER BY scale_number ASC`), positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PositionScale
	for rows.Next() {
		var s domain.PositionScale
		if err := rows.Scan(
			&s.ID, &s.PositionID, &s.ScaleNumber, &s.EntryPrice, &s.Size, &s.Leverage, &s.BankrollPercentage,
			&s.Margin, &s.TriggerReason, &s.LiquidationPrice, &s.DecisionID, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
