package position

import (
	"math"

	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
)

// Trailing holds when the trailing stop arms and how it tightens. Each
// distance is the share of open profit the stop gives back.
type Trailing struct {
	Threshold   float64
	Initial     float64
	SecondaryAt float64
	Secondary   float64
	FinalAt     float64
	Final       float64
}

func TrailingFromConfig(c config.TrailingConfig) Trailing {
	return Trailing{
		Threshold:   c.MinimumProfitThreshold,
		Initial:     c.Initial,
		SecondaryAt: c.SecondaryAt,
		Secondary:   c.Secondary,
		FinalAt:     c.FinalAt,
		Final:       c.Final,
	}
}

// Progress is how far price has moved from the initial entry toward the
// target, 1.0 at the target. It is negative for adverse moves.
func Progress(p *domain.Position, price float64) float64 {
	span := p.TargetPrice - p.InitialEntryPrice
	if p.TargetPrice <= 0 || span == 0 {
		return 0
	}
	return (price - p.InitialEntryPrice) / span
}

// Distance returns the band distance for progress.
func (t Trailing) Distance(progress float64) float64 {
	switch {
	case progress >= t.FinalAt:
		return t.Final
	case progress >= t.SecondaryAt:
		return t.Secondary
	default:
		return t.Initial
	}
}

// StopPrice gives back distance of the open profit at price.
func StopPrice(side domain.Side, entry, price, distance float64) float64 {
	return price - side.Sign()*distance*math.Abs(price-entry)
}

// ratchet moves the trailing stop for a price update. Distance only
// tightens and the stop only moves in the profit direction.
func (t Trailing) ratchet(p *domain.Position, price float64) error {
	d := t.Distance(Progress(p, price))
	if p.TrailingStopDistance > 0 && d > p.TrailingStopDistance {
		d = p.TrailingStopDistance
	}
	next := StopPrice(p.Side, p.AverageEntryPrice, price, d)

	prev := p.TrailingStopPrice
	if prev > 0 {
		if p.Side == domain.SideLong {
			next = math.Max(prev, next)
		} else {
			next = math.Min(prev, next)
		}
	}
	if err := checkTrailing(p, prev, next, d); err != nil {
		return err
	}
	p.TrailingStopDistance = d
	p.TrailingStopPrice = next
	return nil
}

func checkTrailing(p *domain.Position, prevPrice, nextPrice, nextDist float64) error {
	if p.TrailingStopDistance > 0 && nextDist > p.TrailingStopDistance {
		return domain.Violation(domain.InvTrailingMonotonic, "position %s: distance loosened %.4f -> %.4f",
			p.ID, p.TrailingStopDistance, nextDist)
	}
	if prevPrice > 0 && p.Side.Sign()*(nextPrice-prevPrice) < 0 {
		return domain.Violation(domain.InvTrailingMonotonic, "position %s: stop moved against position %.6f -> %.6f",
			p.ID, prevPrice, nextPrice)
	}
	return nil
}

// trailingHit reports whether price has crossed the trailing stop.
func trailingHit(p *domain.Position, price float64) bool {
	if p.Stage != domain.StageTrailing || p.TrailingStopPrice <= 0 {
		return false
	}
	if p.Side == domain.SideLong {
		return price <= p.TrailingStopPrice
	}
	return price >= p.TrailingStopPrice
}
