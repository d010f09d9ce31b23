package journal

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/domain"
)

var (
	decisionHeader = []string{"id", "vault_id", "aggregation_id", "position_id", "symbol", "decision_type", "decision",
		"confidence", "risk_score", "position_size", "leverage", "entry_price", "scale_number", "rule",
		"reason_code", "execution_status", "updated_at", "reasoning"}
	balanceHeader = []string{"id", "vault_id", "change_type", "reference_id", "balance_before", "balance_after",
		"change_amount", "available_after", "reserved_after", "created_at", "reason"}
)

// CSV writes decisions and balance changes to two files. Decisions are
// written once per status change, so a decision may appear more than once.
// Other records are ignored.
type CSV struct {
	mu        sync.Mutex
	decisions *csv.Writer
	balances  *csv.Writer
	df, bf    *os.File
}

func NewCSV(decisionsPath, balancesPath string) (*CSV, error) {
	df, err := os.Create(decisionsPath)
	if err != nil {
		return nil, err
	}
	bf, err := os.Create(balancesPath)
	if err != nil {
		df.Close()
		return nil, err
	}

	dw := csv.NewWriter(df)
	bw := csv.NewWriter(bf)
	if err := dw.Write(decisionHeader); err != nil {
		return nil, err
	}
	if err := bw.Write(balanceHeader); err != nil {
		return nil, err
	}
	dw.Flush()
	if err := dw.Error(); err != nil {
		return nil, err
	}
	bw.Flush()
	if err := bw.Error(); err != nil {
		return nil, err
	}

	return &CSV{decisions: dw, balances: bw, df: df, bf: bf}, nil
}

func (j *CSV) RecordDecision(_ context.Context, d domain.TradingDecision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.decisions.Write([]string{
		d.ID,
		d.VaultID,
		d.AggregationID,
		d.PositionID,
		d.Symbol,
		string(d.DecisionType),
		string(d.Decision),
		f(d.Confidence),
		f(d.RiskScore),
		f(d.PositionSize),
		f(d.Leverage),
		f(d.EntryPrice),
		strconv.Itoa(d.ScaleNumber),
		d.Rule,
		d.ReasonCode,
		string(d.ExecutionStatus),
		d.UpdatedAt.UTC().Format(time.RFC3339),
		d.Reasoning,
	})
	if err != nil {
		return errors.Wrapf(err, "csv decision %s", d.ID)
	}
	j.decisions.Flush()
	return j.decisions.Error()
}

func (j *CSV) RecordBalanceChange(_ context.Context, c domain.BalanceChange) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.balances.Write([]string{
		c.ID,
		c.VaultID,
		string(c.ChangeType),
		c.ReferenceID,
		c.BalanceBefore.StringFixed(8),
		c.BalanceAfter.StringFixed(8),
		c.ChangeAmount.StringFixed(8),
		c.AvailableAfter.StringFixed(8),
		c.ReservedAfter.StringFixed(8),
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.Reason,
	})
	if err != nil {
		return errors.Wrapf(err, "csv balance change %s", c.ID)
	}
	j.balances.Flush()
	return j.balances.Error()
}

func (j *CSV) RecordScale(context.Context, domain.PositionScale) error { return nil }
func (j *CSV) RecordClosure(context.Context, domain.PositionClosure) error { return nil }
func (j *CSV) RecordAssessment(context.Context, domain.RiskAssessment) error { return nil }
func (j *CSV) RecordAggregation(context.Context, domain.ConsensusSignal) error { return nil }

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions.Flush()
	if err := j.decisions.Error(); err != nil {
		return err
	}
	j.balances.Flush()
	if err := j.balances.Error(); err != nil {
		return err
	}
	if err := j.df.Close(); err != nil {
		return err
	}
	return j.bf.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
