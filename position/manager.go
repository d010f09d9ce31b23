package position

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Params configure a Manager.
type Params struct {
	Ladder                Ladder
	Trailing              Trailing
	MaintenanceMarginRate float64
	MaxScaleCount         int
}

// ParamsFromConfig builds manager params, using ladder when the vault
// overrides the system ladder.
func ParamsFromConfig(c *config.Config, ladder []config.StageConfig) (Params, error) {
	if len(ladder) == 0 {
		ladder = c.Ladder
	}
	l, err := NewLadder(ladder)
	if err != nil {
		return Params{}, err
	}
	max := c.Engine.MaxScaleCount
	if max > len(l) {
		max = len(l)
	}
	return Params{
		Ladder:                l,
		Trailing:              TrailingFromConfig(c.Trailing),
		MaintenanceMarginRate: c.Engine.MaintenanceMarginRate,
		MaxScaleCount:         max,
	}, nil
}

// LiquidationPrice for isolated margin at average entry avg.
func LiquidationPrice(side domain.Side, avg, size float64, margin decimal.Decimal, mmr float64) float64 {
	notional := avg * size
	if notional <= 0 {
		return 0
	}
	ratio := margin.InexactFloat64() / notional
	if side == domain.SideLong {
		return math.Max(0, avg*(1-ratio+mmr))
	}
	return avg * (1 + ratio - mmr)
}

type OpenRequest struct {
	PositionID    string // optional
	Symbol        string
	Side          domain.Side
	Price         float64
	Margin        decimal.Decimal
	TargetPrice   float64
	StopLossPrice float64
	Strength      float64
	DecisionID    string
	Metadata      domain.Metadata
	Now           time.Time
}

type ScaleRequest struct {
	PositionID string
	Price      float64
	Margin     decimal.Decimal
	Strength   float64
	Trigger    domain.TriggerReason
	DecisionID string
	// Action must be scale_up.
	Action domain.Action
	Now    time.Time
}

type CloseRequest struct {
	PositionID string
	Fraction   float64 // share of remaining size, 1 closes fully
	Price      float64
	Type       domain.ClosureType
	Reason     string
	Now        time.Time
}

// Settlement is what the ledger must release and realize for a closure.
type Settlement struct {
	Closure domain.PositionClosure
	Margin  decimal.Decimal
	Pnl     decimal.Decimal
	Closed  bool
}

type EventKind string

const (
	EventLiquidated        EventKind = "liquidated"
	EventStopLoss          EventKind = "stop_loss"
	EventTakeProfit        EventKind = "take_profit"
	EventTrailingStop      EventKind = "trailing_stop"
	EventTrailingStarted   EventKind = "trailing_started"
	EventTrailingTightened EventKind = "trailing_tightened"
)

type Event struct {
	Kind       EventKind
	PositionID string
	Price      float64
	Distance   float64
	Settlement *Settlement
	At         time.Time
}

type record struct {
	pos      domain.Position
	scales   []domain.PositionScale
	closures []domain.PositionClosure
}

// Manager owns the positions of one vault. It is not safe for concurrent
// use; the decision engine serializes access per vault.
type Manager struct {
	vaultID string
	p       Params
	log     *logrus.Entry

	positions map[string]*record
	active    map[string]string // symbol -> position id
}

func NewManager(vaultID string, p Params) *Manager {
	return &Manager{
		vaultID:   vaultID,
		p:         p,
		log:       logging.For("position").WithField("vault", vaultID),
		positions: make(map[string]*record),
		active:    make(map[string]string),
	}
}

func (m *Manager) Params() Params { return m.p }

// SetParams applies new params to future operations.
func (m *Manager) SetParams(p Params) { m.p = p }

// Get returns a copy of the position.
func (m *Manager) Get(positionID string) (domain.Position, bool) {
	r, ok := m.positions[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return r.pos, true
}

// Active returns the open position on symbol.
func (m *Manager) Active(symbol string) (domain.Position, bool) {
	pid, ok := m.active[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return m.Get(pid)
}

// Positions returns the open positions ordered by symbol.
func (m *Manager) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(m.active))
	for _, pid := range m.active {
		out = append(out, m.positions[pid].pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Manager) Scales(positionID string) []domain.PositionScale {
	if r, ok := m.positions[positionID]; ok {
		return append([]domain.PositionScale(nil), r.scales...)
	}
	return nil
}

func (m *Manager) Closures(positionID string) []domain.PositionClosure {
	if r, ok := m.positions[positionID]; ok {
		return append([]domain.PositionClosure(nil), r.closures...)
	}
	return nil
}

// Checkpoint saves the state of positionID. The returned func puts it
// back, undoing a closure the ledger refused to settle.
func (m *Manager) Checkpoint(positionID string) func() {
	r, ok := m.positions[positionID]
	if !ok {
		return func() {}
	}
	saved := record{pos: r.pos, scales: slices.Clone(r.scales), closures: slices.Clone(r.closures)}
	if saved.pos.ClosedAt != nil {
		at := *saved.pos.ClosedAt
		saved.pos.ClosedAt = &at
	}
	symbol := r.pos.Symbol
	active := m.active[symbol] == positionID
	return func() {
		*r = saved
		if active {
			m.active[symbol] = positionID
		}
	}
}

// Open enters a new position at ladder stage 1.
func (m *Manager) Open(req OpenRequest) (domain.Position, domain.PositionScale, error) {
	if _, ok := m.active[req.Symbol]; ok {
		return domain.Position{}, domain.PositionScale{}, errors.Wrapf(domain.ErrInvalidTransition, "%s already has an open position", req.Symbol)
	}
	if req.Price <= 0 || !req.Margin.IsPositive() {
		return domain.Position{}, domain.PositionScale{}, errors.Wrap(domain.ErrInvalidInput, "open needs positive price and margin")
	}
	if req.Side != domain.SideLong && req.Side != domain.SideShort {
		return domain.Position{}, domain.PositionScale{}, errors.Wrapf(domain.ErrInvalidInput, "side %q", req.Side)
	}
	st, err := m.p.Ladder.Stage(1)
	if err != nil {
		return domain.Position{}, domain.PositionScale{}, err
	}

	pid := req.PositionID
	if pid == "" {
		pid = id.At(req.Now)
	}
	size := req.Margin.InexactFloat64() * st.Leverage / req.Price
	liq := LiquidationPrice(req.Side, req.Price, size, req.Margin, m.p.MaintenanceMarginRate)

	pos := domain.Position{
		ID:                pid,
		VaultID:           m.vaultID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Status:            domain.StatusOpen,
		Stage:             domain.StageOpen,
		AverageEntryPrice: req.Price,
		InitialEntryPrice: req.Price,
		TargetPrice:       req.TargetPrice,
		TotalSize:         size,
		TotalValue:        size * req.Price,
		MarginUsed:        req.Margin,
		RealizedPnl:       decimal.Zero,
		ScaleCount:        1,
		MaxScaleCount:     m.p.MaxScaleCount,
		LiquidationPrice:  liq,
		StopLossPrice:     req.StopLossPrice,
		AutoCloseEnabled:  true,
		EntryStrength:     req.Strength,
		OpenedAt:          req.Now,
		UpdatedAt:         req.Now,
		Metadata:          req.Metadata,
	}
	scale := domain.PositionScale{
		ID:                 id.At(req.Now),
		PositionID:         pid,
		ScaleNumber:        1,
		EntryPrice:         req.Price,
		Size:               size,
		Leverage:           st.Leverage,
		BankrollPercentage: st.BankrollPct,
		Margin:             req.Margin,
		TriggerReason:      domain.TriggerInitialEntry,
		LiquidationPrice:   liq,
		DecisionID:         req.DecisionID,
		CreatedAt:          req.Now,
	}

	m.positions[pid] = &record{pos: pos, scales: []domain.PositionScale{scale}}
	m.active[req.Symbol] = pid

	m.log.WithFields(logrus.Fields{
		"position": pid,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"price":    req.Price,
		"leverage": st.Leverage,
		"margin":   req.Margin.String(),
	}).Info("position opened")
	return pos, scale, nil
}

// Scale adds the next ladder stage to an OPEN or SCALING position.
func (m *Manager) Scale(req ScaleRequest) (domain.Position, domain.PositionScale, error) {
	r, ok := m.positions[req.PositionID]
	if !ok {
		return domain.Position{}, domain.PositionScale{}, errors.Wrapf(domain.ErrNotFound, "position %s", req.PositionID)
	}
	p := &r.pos
	if p.Stage != domain.StageOpen && p.Stage != domain.StageScaling {
		return domain.Position{}, domain.PositionScale{}, errors.Wrapf(domain.ErrInvalidTransition, "position %s in %s cannot scale", p.ID, p.Stage)
	}
	if req.DecisionID == "" || req.Action != domain.ActionScaleUp {
		return domain.Position{}, domain.PositionScale{}, errors.Wrap(domain.ErrInvalidInput, "scale needs a scale_up decision")
	}
	if req.Price <= 0 || !req.Margin.IsPositive() {
		return domain.Position{}, domain.PositionScale{}, errors.Wrap(domain.ErrInvalidInput, "scale needs positive price and margin")
	}
	if p.ScaleCount >= p.MaxScaleCount {
		return domain.Position{}, domain.PositionScale{}, errors.Wrapf(domain.ErrScaleLimitExceeded,
			"position %s at %d of %d scales", p.ID, p.ScaleCount, p.MaxScaleCount)
	}

	n := p.ScaleCount + 1
	st, err := m.p.Ladder.Stage(n)
	if err != nil {
		return domain.Position{}, domain.PositionScale{}, err
	}
	last := r.scales[len(r.scales)-1]
	if n <= last.ScaleNumber {
		return domain.Position{}, domain.PositionScale{}, domain.Violation(domain.InvScaleCount,
			"position %s: scale %d after scale %d", p.ID, n, last.ScaleNumber)
	}
	prev := Stage{Number: last.ScaleNumber, Leverage: last.Leverage, BankrollPct: last.BankrollPercentage}
	if err := monotonic(prev, st); err != nil {
		return domain.Position{}, domain.PositionScale{}, err
	}

	size := req.Margin.InexactFloat64() * st.Leverage / req.Price
	total := p.TotalSize + size
	avg := (p.TotalSize*p.AverageEntryPrice + size*req.Price) / total
	margin := p.MarginUsed.Add(req.Margin)
	liq := LiquidationPrice(p.Side, avg, total, margin, m.p.MaintenanceMarginRate)

	trigger := req.Trigger
	if trigger == "" {
		trigger = domain.TriggerBetterSignal
	}
	scale := domain.PositionScale{
		ID:                 id.At(req.Now),
		PositionID:         p.ID,
		ScaleNumber:        n,
		EntryPrice:         req.Price,
		Size:               size,
		Leverage:           st.Leverage,
		BankrollPercentage: st.BankrollPct,
		Margin:             req.Margin,
		TriggerReason:      trigger,
		LiquidationPrice:   liq,
		DecisionID:         req.DecisionID,
		CreatedAt:          req.Now,
	}

	p.AverageEntryPrice = avg
	p.TotalSize = total
	p.TotalValue = total * avg
	p.MarginUsed = margin
	p.ScaleCount = n
	p.LiquidationPrice = liq
	p.Stage = domain.StageScaling
	p.EntryStrength = req.Strength
	p.UpdatedAt = req.Now
	r.scales = append(r.scales, scale)

	m.log.WithFields(logrus.Fields{
		"position": p.ID,
		"scale":    n,
		"leverage": st.Leverage,
		"avg":      avg,
		"trigger":  trigger,
	}).Info("position scaled")
	return *p, scale, nil
}

// OnPrice marks the symbol's open position to price and fires, in order,
// liquidation, stop loss, take profit and trailing stop.
func (m *Manager) OnPrice(symbol string, price float64, now time.Time) ([]Event, error) {
	pid, ok := m.active[symbol]
	if !ok || price <= 0 {
		return nil, nil
	}
	r := m.positions[pid]
	p := &r.pos

	if liquidationHit(p, price) {
		s, err := m.Liquidate(pid, price, now)
		if err != nil {
			return nil, err
		}
		return []Event{{Kind: EventLiquidated, PositionID: pid, Price: price, Settlement: &s, At: now}}, nil
	}

	p.UnrealizedPnl = p.Side.Sign() * (price - p.AverageEntryPrice) * p.TotalSize
	p.UpdatedAt = now

	if p.AutoCloseEnabled {
		var kind EventKind
		var ctype domain.ClosureType
		switch {
		case stopLossHit(p, price):
			kind, ctype = EventStopLoss, domain.ClosureStopLoss
		case takeProfitHit(p, price):
			kind, ctype = EventTakeProfit, domain.ClosureTakeProfit
		case trailingHit(p, price):
			kind, ctype = EventTrailingStop, domain.ClosureStopLoss
		}
		if kind != "" {
			s, err := m.Close(CloseRequest{PositionID: pid, Fraction: 1, Price: price, Type: ctype, Reason: string(kind), Now: now})
			if err != nil {
				return nil, err
			}
			return []Event{{Kind: kind, PositionID: pid, Price: price, Settlement: &s, At: now}}, nil
		}
	}

	return m.trail(p, price, now)
}

// trail arms or tightens the trailing stop.
func (m *Manager) trail(p *domain.Position, price float64, now time.Time) ([]Event, error) {
	progress := Progress(p, price)
	switch p.Stage {
	case domain.StageOpen, domain.StageScaling:
		if progress < m.p.Trailing.Threshold || p.TargetPrice <= 0 {
			return nil, nil
		}
		if err := m.p.Trailing.ratchet(p, price); err != nil {
			return nil, err
		}
		p.Stage = domain.StageTrailing
		m.log.WithFields(logrus.Fields{
			"position": p.ID,
			"progress": progress,
			"distance": p.TrailingStopDistance,
			"stop":     p.TrailingStopPrice,
		}).Info("trailing stop armed")
		return []Event{{Kind: EventTrailingStarted, PositionID: p.ID, Price: price, Distance: p.TrailingStopDistance, At: now}}, nil

	case domain.StageTrailing:
		before := p.TrailingStopDistance
		if err := m.p.Trailing.ratchet(p, price); err != nil {
			return nil, err
		}
		if p.TrailingStopDistance < before {
			return []Event{{Kind: EventTrailingTightened, PositionID: p.ID, Price: price, Distance: p.TrailingStopDistance, At: now}}, nil
		}
	}
	return nil, nil
}

// Close reduces a position by req.Fraction of its remaining size. A
// fraction of 1 closes it.
func (m *Manager) Close(req CloseRequest) (Settlement, error) {
	r, ok := m.positions[req.PositionID]
	if !ok {
		return Settlement{}, errors.Wrapf(domain.ErrNotFound, "position %s", req.PositionID)
	}
	p := &r.pos
	if p.Stage.Terminal() || p.Status != domain.StatusOpen {
		return Settlement{}, errors.Wrapf(domain.ErrInvalidTransition, "position %s is %s", p.ID, p.Stage)
	}
	if req.Fraction <= 0 || req.Fraction > 1 || req.Price <= 0 {
		return Settlement{}, errors.Wrapf(domain.ErrInvalidInput, "close fraction %.4f at %.6f", req.Fraction, req.Price)
	}

	full := req.Fraction >= 1-1e-9
	prevStage := p.Stage
	p.Stage = domain.StageClosing

	sizeClosed := p.TotalSize * req.Fraction
	margin := p.MarginUsed
	if !full {
		margin = p.MarginUsed.Mul(decimal.NewFromFloat(req.Fraction)).Round(8)
	}
	pnl := decimal.NewFromFloat(p.Side.Sign() * (req.Price - p.AverageEntryPrice) * sizeClosed).Round(8)
	if pnl.LessThan(margin.Neg()) {
		pnl = margin.Neg()
	}

	ctype := req.Type
	if ctype == "" {
		ctype = domain.ClosurePartial
		if full {
			ctype = domain.ClosureFull
		}
	}

	p.TotalSize -= sizeClosed
	p.MarginUsed = p.MarginUsed.Sub(margin)
	p.RealizedPnl = p.RealizedPnl.Add(pnl)
	p.UpdatedAt = req.Now
	if full {
		p.TotalSize = 0
		p.MarginUsed = decimal.Zero
		p.UnrealizedPnl = 0
		p.Status = domain.StatusClosed
		p.Stage = domain.StageClosed
		closedAt := req.Now
		p.ClosedAt = &closedAt
		delete(m.active, p.Symbol)
	} else {
		p.Stage = prevStage
		p.UnrealizedPnl = p.Side.Sign() * (req.Price - p.AverageEntryPrice) * p.TotalSize
	}
	p.TotalValue = p.TotalSize * p.AverageEntryPrice

	closure := domain.PositionClosure{
		ID:            id.At(req.Now),
		PositionID:    p.ID,
		ClosureType:   ctype,
		SizeClosed:    sizeClosed,
		ClosurePrice:  req.Price,
		RealizedPnl:   pnl,
		RemainingSize: p.TotalSize,
		Reason:        req.Reason,
		CreatedAt:     req.Now,
	}
	r.closures = append(r.closures, closure)

	m.log.WithFields(logrus.Fields{
		"position": p.ID,
		"type":     ctype,
		"size":     sizeClosed,
		"price":    req.Price,
		"pnl":      pnl.String(),
	}).Info("position closed")
	return Settlement{Closure: closure, Margin: margin, Pnl: pnl, Closed: full}, nil
}

// Liquidate force-closes a position; the full margin is lost.
func (m *Manager) Liquidate(positionID string, price float64, now time.Time) (Settlement, error) {
	r, ok := m.positions[positionID]
	if !ok {
		return Settlement{}, errors.Wrapf(domain.ErrNotFound, "position %s", positionID)
	}
	p := &r.pos
	if p.Stage.Terminal() {
		return Settlement{}, errors.Wrapf(domain.ErrInvalidTransition, "position %s is %s", p.ID, p.Stage)
	}

	margin := p.MarginUsed
	loss := margin.Neg()
	closure := domain.PositionClosure{
		ID:            id.At(now),
		PositionID:    p.ID,
		ClosureType:   domain.ClosureLiquidation,
		SizeClosed:    p.TotalSize,
		ClosurePrice:  price,
		RealizedPnl:   loss,
		RemainingSize: 0,
		Reason:        "liquidation price crossed",
		CreatedAt:     now,
	}

	p.RealizedPnl = p.RealizedPnl.Add(loss)
	p.TotalSize = 0
	p.TotalValue = 0
	p.MarginUsed = decimal.Zero
	p.UnrealizedPnl = 0
	p.Status = domain.StatusLiquidated
	p.Stage = domain.StageLiquidated
	p.UpdatedAt = now
	p.ClosedAt = &now
	delete(m.active, p.Symbol)
	r.closures = append(r.closures, closure)

	m.log.WithFields(logrus.Fields{
		"position": p.ID,
		"price":    price,
		"liq":      p.LiquidationPrice,
		"loss":     loss.String(),
	}).Warn("position liquidated")
	return Settlement{Closure: closure, Margin: margin, Pnl: loss, Closed: true}, nil
}

func liquidationHit(p *domain.Position, price float64) bool {
	if p.LiquidationPrice <= 0 {
		return false
	}
	if p.Side == domain.SideLong {
		return price <= p.LiquidationPrice
	}
	return price >= p.LiquidationPrice
}

func stopLossHit(p *domain.Position, price float64) bool {
	if p.StopLossPrice <= 0 {
		return false
	}
	if p.Side == domain.SideLong {
		return price <= p.StopLossPrice
	}
	return price >= p.StopLossPrice
}

func takeProfitHit(p *domain.Position, price float64) bool {
	if p.TargetPrice <= 0 {
		return false
	}
	if p.Side == domain.SideLong {
		return price >= p.TargetPrice
	}
	return price <= p.TargetPrice
}
