// Package replay drives the engine from a CSV scenario of ticks and
// scripted events on an event clock.
package replay

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/consensus"
	"github.com/rustyeddy/riskengine/decision"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/rustyeddy/riskengine/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Clock is the event clock. Every component in a replay reads time from it.
type Clock struct {
	mu sync.RWMutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set moves the clock. It never moves backwards.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

// Options controls how replay behaves.
type Options struct {
	// If true the row's tick is applied before its event, so events see
	// the row's price. This is what you want most of the time.
	TickThenEvent bool

	// Timeframe stamped on SIGNAL events. Defaults to 1h.
	Timeframe string
}

// Stats counts what a replay processed.
type Stats struct {
	Rows   int
	Ticks  int
	Events int
	Start  time.Time
	End    time.Time
}

// Runner owns an engine wired to an event clock.
type Runner struct {
	Engine *decision.Engine
	Ledger *ledger.Ledger
	Store  *config.Store
	Clock  *Clock

	mem     *journal.Memory
	signals *consensus.Collector
	market  map[string]risk.MarketState
	starts  map[string]decimal.Decimal
	opts    Options
	stats   Stats
	log     *logrus.Entry
}

// New builds a runner for cfg's vaults. Every record goes to sink, if set,
// and to an in-memory journal used for the run report.
func New(ctx context.Context, cfg *config.Config, sink journal.Journal, opts Options) (*Runner, error) {
	if opts.Timeframe == "" {
		opts.Timeframe = "1h"
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		return nil, err
	}

	mem := journal.NewMemory()
	var rec journal.Journal = mem
	if sink != nil {
		rec = journal.Tee{mem, sink}
	}

	clock := &Clock{}
	l := ledger.New(rec,
		ledger.WithClock(clock.Now),
		ledger.WithDefaults(func() ledger.Limits { return ledger.LimitsFromConfig(store.Current().Limits) }),
	)
	e, err := decision.New(store, l, decision.WithClock(clock.Now), decision.WithRecorder(rec))
	if err != nil {
		return nil, err
	}

	r := &Runner{
		Engine:  e,
		Ledger:  l,
		Store:   store,
		Clock:   clock,
		mem:     mem,
		signals: consensus.NewCollector(cfg.Signals.Window(), cfg.Signals.MinSources),
		market:  make(map[string]risk.MarketState),
		starts:  make(map[string]decimal.Decimal),
		opts:    opts,
		log:     logging.For("replay"),
	}
	r.signals.SetClock(clock.Now)

	for _, vc := range cfg.Vaults {
		if err := e.AddVault(ctx, vc); err != nil {
			return nil, err
		}
		r.starts[vc.ID] = decimal.NewFromFloat(vc.Balance)
	}
	return r, nil
}

func (r *Runner) Stats() Stats { return r.stats }

// CSV replays a scenario file.
func (r *Runner) CSV(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.Read(ctx, f)
}

// Read replays CSV rows from rd.
//
// Row format, with an optional header row starting with "time":
//
//	time,symbol,bid,ask[,event,arg1,arg2,...]
//
// A row with empty bid and ask carries only an event. Events
// (case-insensitive):
//
//	SIGNAL:    source,type,strength,confidence[,expected_return[,max_risk[,quality]]]
//	AGGREGATE: [timeframe]   aggregates the buffered signals and evaluates every vault
//	CONSENSUS: type,strength,confidence[,expected_return[,max_risk]]
//	MARKET:    volatility[,depth[,volume_24h]]
//	CORRELATE: other_symbol,correlation
//	CLUSTER:   side,price,strength[,count[,confidence]]
//	ASSESS:    runs the scheduled risk assessment
//	FILL:      vault[,price]   executes the vault's pending decisions
//	REJECT:    vault[,reason]  fails the vault's pending decisions
//	PNL:       vault,amount[,reason]
//	DEPOSIT:   vault,amount
//	CONFIG:    key,value       system configuration update
//	RESUME:    vault
//	REENABLE:  vault
func (r *Runner) Read(ctx context.Context, rd io.Reader) error {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(row) == 0 {
			continue
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		line, _ := cr.FieldPos(0)
		if err := r.row(ctx, row); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
	}
}

func (r *Runner) row(ctx context.Context, row []string) error {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	if len(row) < 4 {
		return errors.Errorf("bad row (need at least 4 cols time,symbol,bid,ask): %v", row)
	}

	t, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return errors.Wrapf(err, "bad time %q", row[0])
	}
	r.Clock.Set(t)
	r.stats.Rows++
	if r.stats.Start.IsZero() {
		r.stats.Start = t
	}
	r.stats.End = t

	symbol := row[1]
	var tick *pricing.Tick
	if row[2] != "" || row[3] != "" {
		bid, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return errors.Wrapf(err, "bad bid %q", row[2])
		}
		ask, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return errors.Wrapf(err, "bad ask %q", row[3])
		}
		tick = &pricing.Tick{Symbol: symbol, Time: t, Bid: bid, Ask: ask, Volume24h: r.market[symbol].Volume24h}
	}

	var event string
	var args []string
	if len(row) >= 5 {
		event = row[4]
		args = row[5:]
	}

	if r.opts.TickThenEvent {
		if err := r.tick(ctx, tick); err != nil {
			return err
		}
		if event == "" {
			return nil
		}
		return r.event(ctx, symbol, event, args)
	}

	// Event first, then tick (rare, but supported)
	if event != "" {
		if err := r.event(ctx, symbol, event, args); err != nil {
			return err
		}
	}
	return r.tick(ctx, tick)
}

func (r *Runner) tick(ctx context.Context, t *pricing.Tick) error {
	if t == nil {
		return nil
	}
	r.stats.Ticks++
	_, err := r.Engine.OnTick(ctx, *t)
	return err
}

func (r *Runner) event(ctx context.Context, symbol, event string, args []string) error {
	r.stats.Events++
	now := r.Clock.Now()
	name := strings.ToUpper(event)

	var err error
	switch name {
	case "SIGNAL":
		err = r.signal(symbol, args, now)

	case "AGGREGATE":
		tf := r.opts.Timeframe
		if len(args) > 0 && args[0] != "" {
			tf = args[0]
		}
		batch := r.signals.Snapshot(consensus.Key{Symbol: symbol, Timeframe: tf})
		_, _, err = r.Engine.Ingest(ctx, batch)

	case "CONSENSUS":
		err = r.consensus(ctx, symbol, args, now)

	case "MARKET":
		m := r.market[symbol]
		if m.Volatility, err = num(args, 0, "volatility"); err != nil {
			break
		}
		if m.Depth, err = opt(args, 1, m.Depth); err != nil {
			break
		}
		if m.Volume24h, err = opt(args, 2, m.Volume24h); err != nil {
			break
		}
		r.market[symbol] = m
		r.Engine.UpdateMarket(symbol, m)

	case "CORRELATE":
		if len(args) < 2 || args[0] == "" {
			return errors.New("CORRELATE: need other_symbol,correlation")
		}
		var c float64
		if c, err = num(args, 1, "correlation"); err != nil {
			break
		}
		m := r.market[symbol]
		corr := make(map[string]float64, len(m.Correlations)+1)
		for k, v := range m.Correlations {
			corr[k] = v
		}
		corr[args[0]] = c
		m.Correlations = corr
		r.market[symbol] = m
		r.Engine.UpdateMarket(symbol, m)

	case "CLUSTER":
		err = r.cluster(symbol, args, now)

	case "ASSESS":
		_, _, err = r.Engine.RunAssessments(ctx)

	case "FILL":
		err = r.fill(ctx, args)

	case "REJECT":
		err = r.reject(ctx, args)

	case "PNL", "DEPOSIT":
		if len(args) < 2 {
			return errors.Errorf("%s: need vault,amount", name)
		}
		var amt decimal.Decimal
		if amt, err = decimal.NewFromString(args[1]); err != nil {
			err = errors.Wrapf(err, "bad amount %q", args[1])
			break
		}
		reason := strings.ToLower(name)
		if len(args) > 2 && args[2] != "" {
			reason = args[2]
		}
		if name == "PNL" {
			err = r.Ledger.ApplyPnl(ctx, args[0], amt, reason)
		} else {
			err = r.Ledger.Deposit(ctx, args[0], amt, reason)
		}

	case "CONFIG":
		if len(args) < 2 {
			return errors.New("CONFIG: need key,value")
		}
		err = r.Store.ApplySystem(map[string]string{args[0]: args[1]})

	case "RESUME", "REENABLE":
		if len(args) < 1 || args[0] == "" {
			return errors.Errorf("%s: missing vault", name)
		}
		if name == "RESUME" {
			err = r.Engine.Resume(args[0])
		} else {
			err = r.Engine.Reenable(args[0])
		}

	default:
		return errors.Errorf("unknown event %q", event)
	}
	if err != nil {
		return errors.Wrap(err, name)
	}
	r.log.WithFields(logrus.Fields{"event": name, "symbol": symbol, "at": now}).Debug("event")
	return nil
}

func (r *Runner) signal(symbol string, args []string, now time.Time) error {
	if len(args) < 4 || args[0] == "" {
		return errors.New("need source,type,strength,confidence")
	}
	s := domain.ProcessedSignal{
		ID:           id.At(now),
		Source:       args[0],
		Symbol:       symbol,
		Timeframe:    r.opts.Timeframe,
		SignalType:   domain.SignalType(strings.ToLower(args[1])),
		QualityScore: 1,
		CreatedAt:    now,
	}
	var err error
	if s.AdjustedStrength, err = num(args, 2, "strength"); err != nil {
		return err
	}
	if s.Confidence, err = num(args, 3, "confidence"); err != nil {
		return err
	}
	if s.ExpectedReturn, err = opt(args, 4, 0); err != nil {
		return err
	}
	if s.MaxRisk, err = opt(args, 5, 0); err != nil {
		return err
	}
	if s.QualityScore, err = opt(args, 6, 1); err != nil {
		return err
	}
	r.signals.Add(s)
	return nil
}

func (r *Runner) consensus(ctx context.Context, symbol string, args []string, now time.Time) error {
	if len(args) < 3 {
		return errors.New("need type,strength,confidence")
	}
	c := domain.ConsensusSignal{
		ID:              id.At(now),
		Symbol:          symbol,
		Timeframe:       r.opts.Timeframe,
		AggregationType: domain.AggregationConsensus,
		Signal:          domain.SignalType(strings.ToLower(args[0])),
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.Store.Current().Signals.Expiry()),
		Metadata:        domain.Metadata{Version: domain.MetadataVersion, Source: "replay"},
	}
	var err error
	if c.Strength, err = num(args, 1, "strength"); err != nil {
		return err
	}
	if c.Confidence, err = num(args, 2, "confidence"); err != nil {
		return err
	}
	if c.ExpectedReturn, err = opt(args, 3, 0); err != nil {
		return err
	}
	if c.MaxRisk, err = opt(args, 4, 0); err != nil {
		return err
	}
	r.Engine.Book().Put(c)
	_, err = r.Engine.EvaluateAll(ctx, c)
	return err
}

func (r *Runner) cluster(symbol string, args []string, now time.Time) error {
	if len(args) < 3 {
		return errors.New("need side,price,strength")
	}
	c := domain.LiquidationCluster{
		Symbol:     symbol,
		Side:       domain.Side(strings.ToLower(args[0])),
		Confidence: 1,
	}
	if c.Side != domain.SideLong && c.Side != domain.SideShort {
		return errors.Errorf("bad side %q", args[0])
	}
	var err error
	if c.PriceLevel, err = num(args, 1, "price"); err != nil {
		return err
	}
	if c.ClusterStrength, err = num(args, 2, "strength"); err != nil {
		return err
	}
	count, err := opt(args, 3, 0)
	if err != nil {
		return err
	}
	c.PositionCount = int(count)
	if c.Confidence, err = opt(args, 4, 1); err != nil {
		return err
	}
	r.Engine.Clusters().Upsert(c, now)
	return nil
}

// pendingFor lists the vault's decisions that still await execution.
func (r *Runner) pendingFor(vaultID string) ([]domain.TradingDecision, error) {
	ds, err := r.Engine.Decisions(vaultID)
	if err != nil {
		return nil, err
	}
	var out []domain.TradingDecision
	for _, d := range ds {
		if d.Actionable() && !d.ExecutionStatus.Terminal() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Runner) fill(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return errors.New("missing vault")
	}
	price, err := opt(args, 1, 0)
	if err != nil {
		return err
	}
	ds, err := r.pendingFor(args[0])
	if err != nil {
		return err
	}
	for _, d := range ds {
		// a fill that can no longer apply ends failed; the replay goes on
		if err := r.Engine.MarkExecuted(ctx, args[0], d.ID, price); err != nil {
			if domain.IsInputError(err) || domain.IsLimitError(err) || errors.Is(err, domain.ErrInvalidTransition) {
				r.log.WithError(err).WithField("decision", d.ID).Warn("fill rejected")
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Runner) reject(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return errors.New("missing vault")
	}
	reason := "rejected by exchange"
	if len(args) > 1 && args[1] != "" {
		reason = args[1]
	}
	ds, err := r.pendingFor(args[0])
	if err != nil {
		return err
	}
	for _, d := range ds {
		if err := r.Engine.MarkFailed(ctx, args[0], d.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// Report summarizes every vault from the run's records.
func (r *Runner) Report(ctx context.Context, scenario string) (journal.RunReport, error) {
	rep := journal.RunReport{
		Scenario: scenario,
		Mode:     r.Store.Current().Engine.ExecutionMode,
		Created:  time.Now(),
		Start:    r.stats.Start,
		End:      r.stats.End,
		Ticks:    r.stats.Ticks,
		Events:   r.stats.Events,
	}

	ids := make([]string, 0, len(r.starts))
	for vid := range r.starts {
		ids = append(ids, vid)
	}
	sort.Strings(ids)

	for _, vid := range ids {
		v, err := r.Ledger.Snapshot(vid)
		if err != nil {
			return rep, err
		}
		ds, err := r.mem.ListDecisions(ctx, vid)
		if err != nil {
			return rep, err
		}
		var closures []domain.PositionClosure
		seen := map[string]bool{}
		for _, d := range ds {
			if d.PositionID == "" || seen[d.PositionID] {
				continue
			}
			seen[d.PositionID] = true
			cs, err := r.mem.ListClosures(ctx, d.PositionID)
			if err != nil {
				return rep, err
			}
			closures = append(closures, cs...)
		}
		s := journal.Summarize(vid, r.starts[vid], v.CurrentBalance, ds, closures)
		rep.Vaults = append(rep.Vaults, s)

		st, err := r.Ledger.Status(vid)
		if err != nil {
			return rep, err
		}
		if st.Breaker != ledger.BreakerNone {
			rep.Notes = append(rep.Notes, vid+": "+st.Breaker+" breaker tripped")
		}
		if st.HaltReason != "" {
			rep.Notes = append(rep.Notes, vid+": halted, "+st.HaltReason)
		}
		if st.Broken != nil {
			rep.Notes = append(rep.Notes, vid+": invariant halt, "+st.Broken.Error())
		}
	}
	return rep, nil
}

func num(args []string, i int, name string) (float64, error) {
	if i >= len(args) || args[i] == "" {
		return 0, errors.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad %s %q", name, args[i])
	}
	return v, nil
}

func opt(args []string, i int, def float64) (float64, error) {
	if i >= len(args) || args[i] == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad value %q", args[i])
	}
	return v, nil
}
