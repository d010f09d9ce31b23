package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

// SQL is a Store over database/sql. SQLite and Postgres share the schema
// and differ only in placeholders.
type SQL struct {
	db     *sql.DB
	dollar bool
}

// SQLite is the file backed store.
type SQLite = SQL

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return newSQL(db, false)
}

func newSQL(db *sql.DB, dollar bool) (*SQL, error) {
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQL{db: db, dollar: dollar}, nil
}

// DB exposes the handle for ad hoc queries.
func (j *SQL) DB() *sql.DB { return j.db }

// rebind rewrites ? placeholders as $1, $2... for postgres.
func (j *SQL) rebind(q string) string {
	if !j.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (j *SQL) exec(ctx context.Context, q string, args ...any) error {
	_, err := j.db.ExecContext(ctx, j.rebind(q), args...)
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func utc(t time.Time) time.Time { return t.UTC() }

const decisionCols = `id, vault_id, aggregation_id, position_id, symbol, decision_type, decision, side,
	confidence, risk_score, position_size, leverage, entry_price, target_price, stop_price,
	scale_number, trigger_reason, closure_type, rule, reasoning, reason_code, reservation_id,
	execution_status, created_at, updated_at, metadata`

func (j *SQL) RecordDecision(ctx context.Context, d domain.TradingDecision) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return errors.Wrapf(err, "decision %s metadata", d.ID)
	}
	err = j.exec(ctx, `
		INSERT INTO trading_decisions (`+decisionCols+`)
		VALUES (`+placeholders(26)+`)
		ON CONFLICT (id) DO UPDATE SET
			position_id = excluded.position_id,
			entry_price = excluded.entry_price,
			reasoning = excluded.reasoning,
			reason_code = excluded.reason_code,
			reservation_id = excluded.reservation_id,
			execution_status = excluded.execution_status,
			updated_at = excluded.updated_at`,
		d.ID, d.VaultID, d.AggregationID, d.PositionID, d.Symbol, d.DecisionType, d.Decision, d.Side,
		d.Confidence, d.RiskScore, d.PositionSize, d.Leverage, d.EntryPrice, d.TargetPrice, d.StopPrice,
		d.ScaleNumber, d.TriggerReason, d.ClosureType, d.Rule, d.Reasoning, d.ReasonCode, d.ReservationID,
		d.ExecutionStatus, utc(d.CreatedAt), utc(d.UpdatedAt), string(meta),
	)
	return errors.Wrapf(err, "record decision %s", d.ID)
}

func (j *SQL) RecordBalanceChange(ctx context.Context, c domain.BalanceChange) error {
	err := j.exec(ctx, `
		INSERT INTO balance_changes
		(id, vault_id, change_type, reference_id, balance_before, balance_after, change_amount, available_after, reserved_after, reason, created_at)
		VALUES (`+placeholders(11)+`)`,
		c.ID, c.VaultID, c.ChangeType, c.ReferenceID, c.BalanceBefore, c.BalanceAfter,
		c.ChangeAmount, c.AvailableAfter, c.ReservedAfter, c.Reason, utc(c.CreatedAt),
	)
	return errors.Wrapf(err, "record balance change %s", c.ID)
}

func (j *SQL) RecordScale(ctx context.Context, s domain.PositionScale) error {
	err := j.exec(ctx, `
		INSERT INTO position_scales
		(id, position_id, scale_number, entry_price, size, leverage, bankroll_percentage, margin, trigger_reason, liquidation_price, decision_id, created_at)
		VALUES (`+placeholders(12)+`)`,
		s.ID, s.PositionID, s.ScaleNumber, s.EntryPrice, s.Size, s.Leverage, s.BankrollPercentage,
		s.Margin, s.TriggerReason, s.LiquidationPrice, s.DecisionID, utc(s.CreatedAt),
	)
	return errors.Wrapf(err, "record scale %s", s.ID)
}

func (j *SQL) RecordClosure(ctx context.Context, c domain.PositionClosure) error {
	err := j.exec(ctx, `
		INSERT INTO position_closures
		(id, position_id, closure_type, size_closed, closure_price, realized_pnl, remaining_size, reason, created_at)
		VALUES (`+placeholders(9)+`)`,
		c.ID, c.PositionID, c.ClosureType, c.SizeClosed, c.ClosurePrice, c.RealizedPnl,
		c.RemainingSize, c.Reason, utc(c.CreatedAt),
	)
	return errors.Wrapf(err, "record closure %s", c.ID)
}

func (j *SQL) RecordAssessment(ctx context.Context, a domain.RiskAssessment) error {
	err := j.exec(ctx, `
		INSERT INTO risk_assessments
		(id, vault_id, position_id, volatility, var_1d, var_7d, liquidation_risk, correlation_risk,
		 concentration_risk, market_risk, liquidity_risk, overall_risk_score, risk_level,
		 recommended_action, halt_auto_trading, created_at)
		VALUES (`+placeholders(16)+`)`,
		a.ID, a.VaultID, a.PositionID, a.Volatility, a.Var1d, a.Var7d, a.LiquidationRisk, a.CorrelationRisk,
		a.ConcentrationRisk, a.MarketRisk, a.LiquidityRisk, a.OverallRiskScore, a.RiskLevel,
		a.RecommendedAction, a.HaltAutoTrading, utc(a.CreatedAt),
	)
	return errors.Wrapf(err, "record assessment %s", a.ID)
}

func (j *SQL) RecordAggregation(ctx context.Context, c domain.ConsensusSignal) error {
	contrib, err := json.Marshal(c.Contributions)
	if err != nil {
		return errors.Wrapf(err, "aggregation %s contributions", c.ID)
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return errors.Wrapf(err, "aggregation %s metadata", c.ID)
	}
	err = j.exec(ctx, `
		INSERT INTO signal_aggregations
		(id, symbol, timeframe, aggregation_type, contributions, consensus_signal, consensus_strength,
		 consensus_confidence, created_at, expires_at, metadata)
		VALUES (`+placeholders(11)+`)`,
		c.ID, c.Symbol, c.Timeframe, c.AggregationType, string(contrib), c.Signal, c.Strength,
		c.Confidence, utc(c.CreatedAt), utc(c.ExpiresAt), string(meta),
	)
	return errors.Wrapf(err, "record aggregation %s", c.ID)
}

func (j *SQL) Close() error {
	return j.db.Close()
}
