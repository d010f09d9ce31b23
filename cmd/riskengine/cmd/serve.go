package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/consensus"
	"github.com/rustyeddy/riskengine/decision"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/journal"
	"github.com/rustyeddy/riskengine/ledger"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/rustyeddy/riskengine/pricing"
	"github.com/rustyeddy/riskengine/risk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Evaluate a stream of signals and ticks",
	Long: `Read JSON lines from stdin (or --input) and write every decision as a
JSON line. Risk is reassessed every risk_assessment_interval_minutes and
the config file is watched for changes.

Each input line holds one of:
  {"tick":    {"symbol":"BTC-USD","time":"...","bid":100,"ask":100.1,"volume_24h":5e7}}
  {"market":  {"symbol":"BTC-USD","volatility":0.6,"depth":2e6,"volume_24h":5e7}}
  {"cluster": {"symbol":"BTC-USD","side":"short","price_level":105,"cluster_strength":3e6,"confidence":0.8}}
  {"signal":    <consensus signal>}
  {"signals":   [<processed signal>, ...]}
  {"processed": <processed signal>}

Processed signals are collected per symbol and timeframe until
min_sources sources are in the window, then aggregated and evaluated.

Example:
  riskengine -c prod.yaml serve < feed.jsonl`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveInput    string
	serveQueue    int
	serveDebounce time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveInput, "input", "i", "", "JSON lines input file (default stdin)")
	serveCmd.Flags().IntVar(&serveQueue, "queue", 64, "signals queued per vault")
	serveCmd.Flags().DurationVar(&serveDebounce, "debounce", 250*time.Millisecond, "wait after a config file change before reloading")
}

type tickLine struct {
	Symbol    string    `json:"symbol"`
	Time      time.Time `json:"time"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
}

type marketLine struct {
	Symbol       string             `json:"symbol"`
	Volatility   float64            `json:"volatility"`
	Depth        float64            `json:"depth"`
	Volume24h    float64            `json:"volume_24h"`
	Correlations map[string]float64 `json:"correlations"`
}

type inputLine struct {
	Tick      *tickLine                  `json:"tick"`
	Market    *marketLine                `json:"market"`
	Cluster   *domain.LiquidationCluster `json:"cluster"`
	Signal    *domain.ConsensusSignal    `json:"signal"`
	Signals   []domain.ProcessedSignal   `json:"signals"`
	Processed *domain.ProcessedSignal    `json:"processed"`
}

type output struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (o *output) write(d domain.TradingDecision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.Encode(d); err != nil {
		logging.For("serve").WithError(err).Error("write decision")
	}
}

// collector aggregates single processed signals once enough sources for
// their key are in the window. One waiter runs per key.
type collector struct {
	c   *consensus.Collector
	e   *decision.Engine
	out *output
	g   *errgroup.Group

	// wctx bounds the waits; ctx is used for evaluation
	wctx context.Context
	ctx  context.Context

	mu      sync.Mutex
	waiting map[consensus.Key]bool
}

func (c *collector) add(s domain.ProcessedSignal) error {
	if s.Symbol == "" || s.Source == "" {
		return errors.Wrap(domain.ErrInvalidInput, "processed signal needs symbol and source")
	}
	c.c.Add(s)
	k := consensus.KeyOf(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting[k] {
		return nil
	}
	c.waiting[k] = true
	c.g.Go(func() error {
		batch, err := c.c.Wait(c.wctx, k)
		c.mu.Lock()
		delete(c.waiting, k)
		c.mu.Unlock()
		if err != nil {
			logging.For("serve").WithError(err).Info("aggregation window closed")
			return nil
		}
		_, ds, err := c.e.Ingest(c.ctx, batch)
		for _, d := range ds {
			c.out.write(d)
		}
		return err
	})
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logging.For("serve")

	if len(cfg.Vaults) == 0 {
		return fmt.Errorf("no vaults configured")
	}

	in := cmd.InOrStdin()
	if serveInput != "" {
		f, err := os.Open(serveInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	store, err := config.NewStore(cfg)
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	l := ledger.New(j, ledger.WithDefaults(func() ledger.Limits { return ledger.LimitsFromConfig(store.Current().Limits) }))
	e, err := decision.New(store, l, decision.WithRecorder(j))
	if err != nil {
		return err
	}
	for _, vc := range cfg.Vaults {
		if err := e.AddVault(ctx, vc); err != nil {
			return err
		}
	}

	out := &output{enc: json.NewEncoder(cmd.OutOrStdout())}
	d := decision.NewDispatcher(e, serveQueue, func(r decision.Result) {
		if r.Err != nil {
			log.WithError(r.Err).WithField("vault", r.VaultID).Error("evaluate")
			return
		}
		out.write(r.Decision)
	})

	// background work runs until the input is drained
	bgctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bg, bgctx := errgroup.WithContext(bgctx)
	bg.Go(func() error { return e.Run(bgctx) })
	if cfgFile != "" {
		bg.Go(func() error { return store.Watch(bgctx, cfgFile, serveDebounce) })
	}

	// waits for more sources end with the input
	wctx, stopWaits := context.WithCancel(ctx)
	defer stopWaits()
	ag := &errgroup.Group{}
	col := &collector{
		c:       consensus.NewCollector(cfg.Signals.Window(), cfg.Signals.MinSources),
		e:       e,
		out:     out,
		g:       ag,
		wctx:    wctx,
		ctx:     ctx,
		waiting: make(map[consensus.Key]bool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		defer d.Close()
		return serveLines(gctx, in, e, d, col, out)
	})

	log.WithField("vaults", len(cfg.Vaults)).Info("serving")
	err = g.Wait()
	stopWaits()
	if aerr := ag.Wait(); aerr != nil && err == nil {
		err = aerr
	}
	cancel()
	if berr := bg.Wait(); berr != nil && !errors.Is(berr, context.Canceled) {
		log.WithError(berr).Error("background")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveLines applies input lines until EOF or ctx ends. The scanner runs
// on its own goroutine so a blocked read never holds up shutdown.
func serveLines(ctx context.Context, in io.Reader, e *decision.Engine, d *decision.Dispatcher, col *collector, out *output) error {
	log := logging.For("serve")
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			n++
			if len(b) == 0 {
				continue
			}
			if err := serveLine(ctx, b, e, d, col, out); err != nil {
				// bad lines are skipped; engine failures stop the server
				if domain.IsInputError(err) || errors.Is(err, domain.ErrInvalidInput) {
					log.WithError(err).WithField("line", n).Warn("skipped")
					continue
				}
				return errors.Wrapf(err, "line %d", n)
			}
		}
	}
}

func serveLine(ctx context.Context, b []byte, e *decision.Engine, d *decision.Dispatcher, col *collector, out *output) error {
	var in inputLine
	if err := json.Unmarshal(b, &in); err != nil {
		return errors.Wrap(domain.ErrInvalidInput, err.Error())
	}
	switch {
	case in.Tick != nil:
		t := pricing.Tick{Symbol: in.Tick.Symbol, Time: in.Tick.Time, Bid: in.Tick.Bid, Ask: in.Tick.Ask, Volume24h: in.Tick.Volume24h}
		if t.Time.IsZero() {
			t.Time = time.Now()
		}
		_, err := e.OnTick(ctx, t)
		return err

	case in.Market != nil:
		e.UpdateMarket(in.Market.Symbol, risk.MarketState{
			Volatility:   in.Market.Volatility,
			Depth:        in.Market.Depth,
			Volume24h:    in.Market.Volume24h,
			Correlations: in.Market.Correlations,
		})
		return nil

	case in.Cluster != nil:
		if in.Cluster.Symbol == "" {
			return errors.Wrap(domain.ErrInvalidInput, "cluster without symbol")
		}
		e.Clusters().Upsert(*in.Cluster, time.Now())
		return nil

	case in.Signal != nil:
		if !e.Book().Put(*in.Signal) {
			return nil
		}
		return d.Submit(ctx, *in.Signal)

	case in.Processed != nil:
		return col.add(*in.Processed)

	case len(in.Signals) > 0:
		_, ds, err := e.Ingest(ctx, in.Signals)
		for _, dd := range ds {
			out.write(dd)
		}
		return err
	}
	return errors.Wrap(domain.ErrInvalidInput, "empty line object")
}
