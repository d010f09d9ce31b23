package position

import (
	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/shopspring/decimal"
)

// Stage is one rung of the scale ladder. Number is 1-based.
type Stage struct {
	Number      int
	Leverage    float64
	BankrollPct float64
}

// Ladder is the ordered scale plan. Leverage never rises and bankroll never
// falls from one stage to the next.
type Ladder []Stage

// DefaultLadder is 20x/1%, 10x/2%, 5x/4%, 2x/8%.
func DefaultLadder() Ladder {
	l, _ := NewLadder(config.Default().Ladder)
	return l
}

func NewLadder(stages []config.StageConfig) (Ladder, error) {
	l := make(Ladder, len(stages))
	for i, s := range stages {
		l[i] = Stage{Number: i + 1, Leverage: s.Leverage, BankrollPct: s.BankrollPct}
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "empty ladder")
	}
	for i, s := range l {
		if s.Leverage < 1 || s.BankrollPct <= 0 || s.BankrollPct > 1 {
			return errors.Wrapf(domain.ErrInvalidInput, "stage %d: leverage %.2f bankroll %.4f", s.Number, s.Leverage, s.BankrollPct)
		}
		if i == 0 {
			continue
		}
		if err := monotonic(l[i-1], s); err != nil {
			return err
		}
	}
	return nil
}

func monotonic(prev, next Stage) error {
	if next.Leverage > prev.Leverage {
		return domain.Violation(domain.InvLadderMonotonic, "stage %d leverage %.2f above stage %d leverage %.2f",
			next.Number, next.Leverage, prev.Number, prev.Leverage)
	}
	if next.BankrollPct < prev.BankrollPct {
		return domain.Violation(domain.InvLadderMonotonic, "stage %d bankroll %.4f below stage %d bankroll %.4f",
			next.Number, next.BankrollPct, prev.Number, prev.BankrollPct)
	}
	return nil
}

// Stage returns stage n (1-based).
func (l Ladder) Stage(n int) (Stage, error) {
	if n < 1 || n > len(l) {
		return Stage{}, errors.Wrapf(domain.ErrScaleLimitExceeded, "no stage %d in %d-stage ladder", n, len(l))
	}
	return l[n-1], nil
}

// Margin is the bankroll share of balance committed at stage s.
func (s Stage) Margin(balance decimal.Decimal) decimal.Decimal {
	return balance.Mul(decimal.NewFromFloat(s.BankrollPct)).Round(2)
}
