package decision

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/cluster"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/consensus"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/indicators"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/rustyeddy/riskengine/position"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/rustyeddy/riskengine/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Recorder receives every record the engine produces.
type Recorder interface {
	RecordDecision(ctx context.Context, d domain.TradingDecision) error
	RecordScale(ctx context.Context, s domain.PositionScale) error
	RecordClosure(ctx context.Context, c domain.PositionClosure) error
	RecordAssessment(ctx context.Context, a domain.RiskAssessment) error
	RecordAggregation(ctx context.Context, c domain.ConsensusSignal) error
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(context.Context, domain.TradingDecision) error { return nil }
func (nopRecorder) RecordScale(context.Context, domain.PositionScale) error { return nil }
func (nopRecorder) RecordClosure(context.Context, domain.PositionClosure) error { return nil }
func (nopRecorder) RecordAssessment(context.Context, domain.RiskAssessment) error { return nil }
func (nopRecorder) RecordAggregation(context.Context, domain.ConsensusSignal) error { return nil }

// volSamples is how many tick returns warm up a volatility estimate.
const volSamples = 30

type inflight struct {
	res      *ledger.Reservation
	strength float64
}

// vault is the engine's per-vault state. mu serializes evaluation and
// execution for the vault.
type vault struct {
	mu        sync.Mutex
	id        string
	ladder    []config.StageConfig
	positions *position.Manager

	decisions map[string]*domain.TradingDecision
	order     []string
	byAgg     map[string]string
	inflight  map[string]*inflight
	last      domain.RiskAssessment
}

// Engine drives aggregation, risk assessment, decisions and their
// execution for a set of vaults.
type Engine struct {
	store    *config.Store
	ledger   *ledger.Ledger
	rec      Recorder
	clusters *cluster.Monitor
	book     *consensus.Book
	ticks    *pricing.TickStore
	vol      *indicators.Volatility
	now      func() time.Time
	log      *logrus.Entry

	mu       sync.RWMutex
	vaults   map[string]*vault
	market   map[string]risk.MarketState
	assessor *risk.Assessor
	agg      *consensus.Aggregator
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

func WithClusters(m *cluster.Monitor) Option {
	return func(e *Engine) { e.clusters = m }
}

func WithTicks(t *pricing.TickStore) Option {
	return func(e *Engine) { e.ticks = t }
}

// New builds an engine over the ledger and follows configuration updates
// from store.
func New(store *config.Store, l *ledger.Ledger, opts ...Option) (*Engine, error) {
	cfg := store.Current()
	e := &Engine{
		store:  store,
		ledger: l,
		rec:    nopRecorder{},
		book:   consensus.NewBook(),
		ticks:  pricing.NewTickStore(),
		vol:    indicators.NewVolatility(volSamples),
		now:    time.Now,
		log:    logging.For("decision"),
		vaults: make(map[string]*vault),
		market: make(map[string]risk.MarketState),
	}
	for _, o := range opts {
		o(e)
	}
	if e.clusters == nil {
		e.clusters = cluster.NewMonitor(cfg.Clusters.ProximityBand, cfg.Clusters.TTL())
	}
	if err := e.configure(cfg); err != nil {
		return nil, err
	}
	store.Subscribe(func(_, next *config.Config) { e.reload(next) })
	return e, nil
}

func (e *Engine) configure(cfg *config.Config) error {
	assessor, err := risk.NewAssessor(risk.FromConfig(cfg))
	if err != nil {
		return err
	}
	agg, err := consensus.NewAggregator(consensus.FromConfig(cfg.Signals))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.assessor = assessor
	e.agg = agg
	e.mu.Unlock()
	return nil
}

func (e *Engine) reload(cfg *config.Config) {
	if err := e.configure(cfg); err != nil {
		e.log.WithError(err).Error("config reload rejected")
		return
	}
	for _, v := range e.all() {
		v.mu.Lock()
		p, err := position.ParamsFromConfig(cfg, v.ladder)
		if err != nil {
			e.log.WithError(err).WithField("vault", v.id).Error("ladder reload rejected")
		} else {
			v.positions.SetParams(p)
		}
		v.mu.Unlock()
	}
	e.log.Info("configuration reloaded")
}

func (e *Engine) cfg() *config.Config { return e.store.Current() }

// Clusters exposes the liquidation cluster monitor for feeds.
func (e *Engine) Clusters() *cluster.Monitor { return e.clusters }

// Book returns the latest consensus per symbol and timeframe.
func (e *Engine) Book() *consensus.Book { return e.book }

// AddVault registers vc with the ledger and starts tracking it.
func (e *Engine) AddVault(ctx context.Context, vc config.VaultConfig) error {
	params, err := position.ParamsFromConfig(e.cfg(), vc.Ladder)
	if err != nil {
		return errors.Wrapf(err, "vault %s", vc.ID)
	}
	if err := e.ledger.Register(ctx, domain.Vault{
		ID:              vc.ID,
		Name:            vc.Name,
		CurrentBalance:  decimal.NewFromFloat(vc.Balance),
		MaxPositions:    vc.MaxPositions,
		MaxPositionSize: vc.MaxPositionSize,
		MaxDailyLoss:    vc.MaxDailyLoss,
		MaxDrawdown:     vc.MaxDrawdown,
		AutoTrading:     vc.AutoTrading,
		Timezone:        vc.Timezone,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.vaults[vc.ID] = &vault{
		id:        vc.ID,
		ladder:    vc.Ladder,
		positions: position.NewManager(vc.ID, params),
		decisions: make(map[string]*domain.TradingDecision),
		byAgg:     make(map[string]string),
		inflight:  make(map[string]*inflight),
	}
	return nil
}

func (e *Engine) vault(vaultID string) (*vault, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vaults[vaultID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "vault %s", vaultID)
	}
	return v, nil
}

// all returns vaults ordered by id.
func (e *Engine) all() []*vault {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*vault, 0, len(e.vaults))
	for _, v := range e.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// UpdateMarket replaces the market state for symbol.
func (e *Engine) UpdateMarket(symbol string, m risk.MarketState) {
	e.mu.Lock()
	e.market[symbol] = m
	e.mu.Unlock()
	if m.Volume24h > 0 {
		e.clusters.SetVolume(symbol, m.Volume24h)
	}
}

// marketCopy returns the supplied market state. A symbol without a
// supplied volatility uses the estimate from its ticks.
func (e *Engine) marketCopy() map[string]risk.MarketState {
	est := e.vol.Estimates()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]risk.MarketState, len(e.market)+len(est))
	for k, v := range e.market {
		out[k] = v
	}
	for k, vol := range est {
		if m := out[k]; m.Volatility <= 0 {
			m.Volatility = vol
			out[k] = m
		}
	}
	return out
}

func (e *Engine) mark(symbol string, fallback float64) float64 {
	t, err := e.ticks.Get(symbol)
	if err != nil || t.Mark() <= 0 {
		return fallback
	}
	return t.Mark()
}

// clusterRisk scores how close a cluster of same-side positions sits to
// price. Its cascade would push price against a position on that side.
func (e *Engine) clusterRisk(symbol string, price float64, side domain.Side) float64 {
	band := e.cfg().Clusters.ProximityBand
	c, ok := e.clusters.Proximity(symbol, price, side, band)
	if !ok || price <= 0 || band <= 0 {
		return 0
	}
	return math.Max(0, 1-math.Abs(c.PriceLevel-price)/price/band)
}

// Ingest aggregates batch and evaluates the result for every vault. An
// aggregation that fails on its inputs yields a recorded hold per vault.
func (e *Engine) Ingest(ctx context.Context, batch []domain.ProcessedSignal) (domain.ConsensusSignal, []domain.TradingDecision, error) {
	e.mu.RLock()
	agg := e.agg
	e.mu.RUnlock()

	now := e.now()
	sig, err := agg.Aggregate(batch, now)
	if err != nil {
		if !domain.IsInputError(err) {
			return domain.ConsensusSignal{}, nil, err
		}
		holds, herr := e.holdAll(ctx, batch, err, now)
		return domain.ConsensusSignal{}, holds, herr
	}
	if !e.book.Put(sig) {
		e.log.WithField("aggregation", sig.ID).Debug("older aggregation ignored")
		return sig, nil, nil
	}
	if err := e.rec.RecordAggregation(ctx, sig); err != nil {
		return sig, nil, errors.Wrap(err, "record aggregation")
	}
	out, err := e.EvaluateAll(ctx, sig)
	return sig, out, err
}

func (e *Engine) holdAll(ctx context.Context, batch []domain.ProcessedSignal, cause error, now time.Time) ([]domain.TradingDecision, error) {
	var symbol string
	if len(batch) > 0 {
		symbol = batch[0].Symbol
	}
	var out []domain.TradingDecision
	for _, v := range e.all() {
		d := hold(domain.TradingDecision{
			ID:              id.At(now),
			VaultID:         v.id,
			Symbol:          symbol,
			ExecutionStatus: domain.ExecExecuted,
			CreatedAt:       now,
			UpdatedAt:       now,
		}, RuleStale, domain.ReasonCode(cause), cause.Error())
		v.mu.Lock()
		err := e.store1(ctx, v, &d)
		v.mu.Unlock()
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// EvaluateAll evaluates sig for every vault in parallel. Results are in
// vault id order.
func (e *Engine) EvaluateAll(ctx context.Context, sig domain.ConsensusSignal) ([]domain.TradingDecision, error) {
	vs := e.all()
	out := make([]domain.TradingDecision, len(vs))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range vs {
		g.Go(func() error {
			d, err := e.Evaluate(ctx, v.id, sig)
			out[i] = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Evaluate decides what vaultID does about sig. Evaluating the same
// aggregation twice returns the first decision unchanged.
func (e *Engine) Evaluate(ctx context.Context, vaultID string, sig domain.ConsensusSignal) (domain.TradingDecision, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return domain.TradingDecision{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if did, ok := v.byAgg[sig.ID]; ok && sig.ID != "" {
		return *v.decisions[did], nil
	}
	return e.evaluate(ctx, v, sig, e.now())
}

func (e *Engine) evaluate(ctx context.Context, v *vault, sig domain.ConsensusSignal, now time.Time) (domain.TradingDecision, error) {
	snap, err := e.ledger.Snapshot(v.id)
	if err != nil {
		return domain.TradingDecision{}, err
	}
	status, err := e.ledger.Status(v.id)
	if err != nil {
		return domain.TradingDecision{}, err
	}

	price := e.mark(sig.Symbol, 0)
	var pos *domain.Position
	if p, ok := v.positions.Active(sig.Symbol); ok {
		pos = &p
	}

	a, err := e.assess(ctx, v, snap, sig.Symbol, now)
	if err != nil {
		return domain.TradingDecision{}, err
	}

	in := Input{
		Vault:      snap,
		Blocked:    status.Blocked(),
		BlockCode:  blockCode(status),
		Signal:     sig,
		Assessment: a,
		Position:   pos,
		Ladder:     v.positions.Params().Ladder,
		Price:      price,
		Thresholds: ThresholdsFromConfig(e.cfg().Engine),
		Now:        now,
	}
	if pos != nil {
		in.PendingClose = e.hasPendingClose(v, pos.ID)
		if c, ok := e.clusters.Proximity(sig.Symbol, price, cluster.FavorableSide(pos.Side), 0); ok {
			in.Cluster = &c
		}
	}

	d := Decide(in)
	d.ID = id.At(now)
	fields := logrus.Fields{"vault": v.id, "decision": d.ID, "type": d.DecisionType, "rule": d.Rule, "code": d.ReasonCode}

	switch {
	case !d.Actionable():
		d.ExecutionStatus = domain.ExecExecuted
	case d.ExecutionStatus != domain.ExecPending:
	case d.RiskIncreasing():
		if err := e.reserve(ctx, v, snap, &d, sig.Strength); err != nil {
			return d, err
		}
	}

	if d.Actionable() && d.ExecutionStatus == domain.ExecPending && e.cfg().Engine.ExecutionMode == config.ModeImmediate {
		if err := e.execute(ctx, v, &d, d.EntryPrice, now); err != nil {
			e.log.WithFields(fields).WithError(err).Warn("immediate execution failed")
		}
	}

	if sig.ID != "" {
		v.byAgg[sig.ID] = d.ID
	}
	if err := e.store1(ctx, v, &d); err != nil {
		return d, err
	}
	e.log.WithFields(fields).WithField("status", d.ExecutionStatus).Info(d.Reasoning)

	if a.HaltAutoTrading {
		if err := e.ledger.Halt(v.id, "critical risk "+a.ID); err != nil {
			return d, err
		}
	}
	return d, nil
}

func blockCode(s ledger.Status) string {
	switch {
	case s.Broken != nil:
		return domain.CodeVaultHalted
	case s.Breaker != ledger.BreakerNone || s.HaltReason != "":
		return domain.CodeCircuitBreakerActive
	}
	return ""
}

// assess scores the vault with a fresh assessment and records it.
func (e *Engine) assess(ctx context.Context, v *vault, snap domain.Vault, symbol string, now time.Time) (domain.RiskAssessment, error) {
	e.mu.RLock()
	assessor := e.assessor
	e.mu.RUnlock()

	in := risk.Input{
		VaultID:         v.id,
		Symbol:          symbol,
		Balance:         snap.CurrentBalance.InexactFloat64(),
		PeakBalance:     snap.PeakBalance.InexactFloat64(),
		MaxPositionSize: snap.MaxPositionSize,
		MaxDrawdown:     snap.MaxDrawdown,
		Market:          e.marketCopy(),
	}
	for _, p := range v.positions.Positions() {
		mark := e.mark(p.Symbol, p.AverageEntryPrice)
		in.Positions = append(in.Positions, risk.Exposure{
			PositionID:       p.ID,
			Symbol:           p.Symbol,
			Side:             p.Side,
			Notional:         p.TotalSize * mark,
			MarkPrice:        mark,
			LiquidationPrice: p.LiquidationPrice,
			ClusterRisk:      e.clusterRisk(p.Symbol, mark, p.Side),
		})
	}

	a := assessor.Assess(in, now)
	v.last = a
	if err := e.rec.RecordAssessment(ctx, a); err != nil {
		return a, errors.Wrap(err, "record assessment")
	}
	if err := e.ledger.SetRiskLevel(v.id, a.RiskLevel); err != nil {
		return a, err
	}
	return a, nil
}

// reserve sets aside margin for an open or scale decision. Limit errors
// fail the decision instead of the call.
func (e *Engine) reserve(ctx context.Context, v *vault, snap domain.Vault, d *domain.TradingDecision, strength float64) error {
	st, err := v.positions.Params().Ladder.Stage(d.ScaleNumber)
	if err != nil {
		e.fail(d, err)
		return nil
	}
	margin := st.Margin(snap.CurrentBalance)

	notional := margin.InexactFloat64() * st.Leverage
	for _, p := range v.positions.Positions() {
		notional += p.TotalSize * e.mark(p.Symbol, p.AverageEntryPrice)
	}
	if limit := snap.MaxPositionSize * snap.CurrentBalance.InexactFloat64(); notional > limit {
		e.fail(d, errors.Wrapf(domain.ErrPositionLimitExceeded, "notional %.2f over %.2f", notional, limit))
		return nil
	}

	res, err := e.ledger.Reserve(ctx, v.id, margin, ledger.ReserveOpts{
		OpensPosition: d.DecisionType == domain.DecisionOpenPosition,
		PositionID:    d.PositionID,
		Reason:        d.ID,
	})
	if err != nil {
		if domain.IsLimitError(err) || errors.Is(err, domain.ErrVaultHalted) {
			e.fail(d, err)
			return nil
		}
		return err
	}
	d.ReservationID = res.ID
	v.inflight[d.ID] = &inflight{res: &res, strength: strength}
	return nil
}

func (e *Engine) fail(d *domain.TradingDecision, err error) {
	d.ExecutionStatus = domain.ExecFailed
	d.ReasonCode = domain.ReasonCode(err)
	d.Reasoning = d.Reasoning + ": " + err.Error()
}

// execute applies a pending decision at price. The decision ends executed
// or failed.
func (e *Engine) execute(ctx context.Context, v *vault, d *domain.TradingDecision, price float64, now time.Time) error {
	if price <= 0 {
		price = e.mark(d.Symbol, d.EntryPrice)
	}
	fl := v.inflight[d.ID]
	delete(v.inflight, d.ID)

	err := e.apply(ctx, v, d, fl, price, now)
	if err != nil {
		if fl != nil {
			if rerr := e.ledger.Release(ctx, fl.res.ID); rerr != nil {
				e.log.WithError(rerr).WithField("reservation", fl.res.ID).Warn("release failed")
			}
		}
		e.halt(v, err)
		e.fail(d, err)
		d.UpdatedAt = now
		return err
	}
	return d.Transition(domain.ExecExecuted, now)
}

func (e *Engine) apply(ctx context.Context, v *vault, d *domain.TradingDecision, fl *inflight, price float64, now time.Time) error {
	switch d.DecisionType {
	case domain.DecisionOpenPosition:
		if fl == nil {
			return errors.Wrapf(domain.ErrInvalidTransition, "decision %s has no reservation", d.ID)
		}
		p, scale, err := v.positions.Open(position.OpenRequest{
			Symbol:        d.Symbol,
			Side:          d.Side,
			Price:         price,
			Margin:        fl.res.Amount,
			TargetPrice:   d.TargetPrice,
			StopLossPrice: d.StopPrice,
			Strength:      fl.strength,
			DecisionID:    d.ID,
			Now:           now,
		})
		if err != nil {
			return err
		}
		d.PositionID = p.ID
		if err := e.ledger.Commit(ctx, fl.res.ID, fl.res.Amount, p.ID); err != nil {
			return err
		}
		return e.rec.RecordScale(ctx, scale)

	case domain.DecisionScalePosition:
		if fl == nil {
			return errors.Wrapf(domain.ErrInvalidTransition, "decision %s has no reservation", d.ID)
		}
		_, scale, err := v.positions.Scale(position.ScaleRequest{
			PositionID: d.PositionID,
			Price:      price,
			Margin:     fl.res.Amount,
			Strength:   fl.strength,
			Trigger:    d.TriggerReason,
			DecisionID: d.ID,
			Action:     d.Decision,
			Now:        now,
		})
		if err != nil {
			return err
		}
		if err := e.ledger.Commit(ctx, fl.res.ID, fl.res.Amount, d.PositionID); err != nil {
			return err
		}
		return e.rec.RecordScale(ctx, scale)

	case domain.DecisionClosePosition:
		undo := v.positions.Checkpoint(d.PositionID)
		s, err := v.positions.Close(position.CloseRequest{
			PositionID: d.PositionID,
			Fraction:   d.PositionSize,
			Price:      price,
			Type:       d.ClosureType,
			Reason:     d.Rule,
			Now:        now,
		})
		if err != nil {
			return err
		}
		booked, err := e.settle(ctx, v, s, d.ID, now)
		if !booked {
			undo()
		}
		return err
	}
	return nil
}

// settle books a closure in the ledger and journal. Once the ledger has
// booked it, a closed position takes its in-flight decisions, other than
// skip, with it. booked is false when the ledger refused the closure and
// the caller must roll the position back.
func (e *Engine) settle(ctx context.Context, v *vault, s position.Settlement, skip string, now time.Time) (booked bool, err error) {
	pid := s.Closure.PositionID
	if _, err := e.ledger.Settle(ctx, v.id, pid, s.Margin, s.Pnl, s.Closed); err != nil {
		e.halt(v, err)
		return false, err
	}
	if s.Closed {
		code := domain.CodeNone
		if s.Closure.ClosureType == domain.ClosureLiquidation {
			code = domain.CodeLiquidated
		}
		if err := e.cancelFor(ctx, v, pid, skip, code, "position "+string(s.Closure.ClosureType), now); err != nil {
			return true, err
		}
	}
	return true, e.rec.RecordClosure(ctx, s.Closure)
}

// cancelFor cancels every non-terminal decision on positionID and returns
// its reservation.
func (e *Engine) cancelFor(ctx context.Context, v *vault, positionID, skip, code, why string, now time.Time) error {
	for _, did := range v.order {
		d := v.decisions[did]
		if did == skip || d.PositionID != positionID || d.ExecutionStatus.Terminal() {
			continue
		}
		if err := e.cancel(ctx, v, d, code, why, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cancel(ctx context.Context, v *vault, d *domain.TradingDecision, code, why string, now time.Time) error {
	if fl, ok := v.inflight[d.ID]; ok {
		delete(v.inflight, d.ID)
		if err := e.ledger.Release(ctx, fl.res.ID); err != nil {
			return err
		}
	}
	if err := d.Transition(domain.ExecCancelled, now); err != nil {
		return err
	}
	d.ReasonCode = code
	d.Reasoning = d.Reasoning + ": cancelled, " + why
	e.log.WithFields(logrus.Fields{"vault": v.id, "decision": d.ID, "reason": why}).Warn("decision cancelled")
	return e.rec.RecordDecision(ctx, *d)
}

// halt stops the vault on an invariant violation.
func (e *Engine) halt(v *vault, err error) {
	var iv *domain.InvariantViolation
	if errors.As(err, &iv) {
		if berr := e.ledger.Break(v.id, err); berr != nil {
			e.log.WithError(berr).Error("halt vault")
		}
	}
}

// store1 keeps d in the vault's history and records it.
func (e *Engine) store1(ctx context.Context, v *vault, d *domain.TradingDecision) error {
	if _, ok := v.decisions[d.ID]; !ok {
		v.order = append(v.order, d.ID)
	}
	cp := *d
	v.decisions[d.ID] = &cp
	if err := e.rec.RecordDecision(ctx, cp); err != nil {
		return errors.Wrap(err, "record decision")
	}
	return nil
}

// Decision returns a recorded decision.
func (e *Engine) Decision(vaultID, decisionID string) (domain.TradingDecision, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return domain.TradingDecision{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.decisions[decisionID]
	if !ok {
		return domain.TradingDecision{}, errors.Wrapf(domain.ErrNotFound, "decision %s", decisionID)
	}
	return *d, nil
}

// Decisions returns the vault's decisions in creation order.
func (e *Engine) Decisions(vaultID string) ([]domain.TradingDecision, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.TradingDecision, 0, len(v.order))
	for _, did := range v.order {
		out = append(out, *v.decisions[did])
	}
	return out, nil
}

// Positions returns the vault's open positions.
func (e *Engine) Positions(vaultID string) ([]domain.Position, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions.Positions(), nil
}

// Position returns any position the vault has held.
func (e *Engine) Position(vaultID, positionID string) (domain.Position, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return domain.Position{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions.Get(positionID)
	if !ok {
		return domain.Position{}, errors.Wrapf(domain.ErrNotFound, "position %s", positionID)
	}
	return p, nil
}

// LastAssessment returns the most recent assessment for the vault.
func (e *Engine) LastAssessment(vaultID string) (domain.RiskAssessment, error) {
	v, err := e.vault(vaultID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last, nil
}

// Resume clears an invariant halt after operator review.
func (e *Engine) Resume(vaultID string) error {
	if _, err := e.vault(vaultID); err != nil {
		return err
	}
	return e.ledger.Resume(vaultID)
}

// Reenable turns auto trading back on after a critical risk halt.
func (e *Engine) Reenable(vaultID string) error {
	if _, err := e.vault(vaultID); err != nil {
		return err
	}
	return e.ledger.Reenable(vaultID)
}
