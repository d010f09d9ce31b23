package consensus

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/sirupsen/logrus"
)

// Config controls how signals are combined.
type Config struct {
	Type               domain.AggregationType
	Window             time.Duration
	Expiry             time.Duration
	MinSources         int
	MinConfidence      float64
	DefaultReliability float64
	Reliability        map[string]float64
	Deadband           float64
}

// FromConfig converts the signals section of the engine config.
func FromConfig(c config.SignalConfig) Config {
	return Config{
		Type:               domain.AggregationType(c.AggregationType),
		Window:             c.Window(),
		Expiry:             c.Expiry(),
		MinSources:         c.MinSources,
		MinConfidence:      c.MinConfidence,
		DefaultReliability: c.DefaultReliability,
		Reliability:        c.Reliability,
		Deadband:           c.Deadband,
	}
}

// Aggregator combines processed signals for one (symbol, timeframe) into a
// consensus signal. It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	cfg Config
	log *logrus.Entry
}

func NewAggregator(cfg Config) (*Aggregator, error) {
	switch cfg.Type {
	case domain.AggregationConsensus, domain.AggregationWeightedAverage:
	default:
		return nil, errors.Wrapf(domain.ErrUnsupportedAggregation, "%q", cfg.Type)
	}
	if cfg.MinSources < 1 || cfg.Window <= 0 || cfg.Expiry <= 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "aggregator needs positive window, expiry and min sources")
	}
	return &Aggregator{cfg: cfg, log: logging.For("consensus")}, nil
}

func (a *Aggregator) Config() Config { return a.cfg }

// reliability is the historical accuracy weight of a source.
func (a *Aggregator) reliability(source string) float64 {
	if r, ok := a.cfg.Reliability[source]; ok {
		return r
	}
	return a.cfg.DefaultReliability
}

type weighted struct {
	sig domain.ProcessedSignal
	w   float64
}

// Aggregate builds the consensus for batch at now. Only signals created in
// [now-window, now] count, and a source counts once with its newest signal.
func (a *Aggregator) Aggregate(batch []domain.ProcessedSignal, now time.Time) (domain.ConsensusSignal, error) {
	if len(batch) == 0 {
		return domain.ConsensusSignal{}, errors.Wrap(domain.ErrInsufficientSignals, "empty batch")
	}
	symbol, timeframe := batch[0].Symbol, batch[0].Timeframe
	from := now.Add(-a.cfg.Window)

	latest := make(map[string]domain.ProcessedSignal)
	for _, s := range batch {
		if s.Symbol != symbol || s.Timeframe != timeframe {
			return domain.ConsensusSignal{}, errors.Wrapf(domain.ErrInvalidInput,
				"batch mixes %s/%s with %s/%s", symbol, timeframe, s.Symbol, s.Timeframe)
		}
		if s.CreatedAt.Before(from) || s.CreatedAt.After(now) {
			continue
		}
		if !validSignal(s) {
			a.log.WithField("signal", s.ID).Warn("dropping signal with out of range scores")
			continue
		}
		if cur, ok := latest[s.Source]; !ok || s.CreatedAt.After(cur.CreatedAt) {
			latest[s.Source] = s
		}
	}

	if len(latest) < a.cfg.MinSources {
		return domain.ConsensusSignal{}, errors.Wrapf(domain.ErrInsufficientSignals,
			"%s/%s: %d sources in window, need %d", symbol, timeframe, len(latest), a.cfg.MinSources)
	}

	ws := make([]weighted, 0, len(latest))
	total := 0.0
	for _, s := range latest {
		w := a.reliability(s.Source) * s.Confidence * s.QualityScore
		ws = append(ws, weighted{sig: s, w: w})
		total += w
	}
	if total <= 0 {
		return domain.ConsensusSignal{}, errors.Wrapf(domain.ErrInsufficientSignals, "%s/%s: zero total weight", symbol, timeframe)
	}
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].sig.CreatedAt.Equal(ws[j].sig.CreatedAt) {
			return ws[i].sig.CreatedAt.Before(ws[j].sig.CreatedAt)
		}
		return ws[i].sig.ID < ws[j].sig.ID
	})
	for i := range ws {
		ws[i].w /= total
	}

	out := domain.ConsensusSignal{
		ID:              id.At(now),
		Symbol:          symbol,
		Timeframe:       timeframe,
		AggregationType: a.cfg.Type,
		Contributions:   make([]domain.Contribution, len(ws)),
		CreatedAt:       now,
		ExpiresAt:       now.Add(a.cfg.Expiry),
		Metadata: domain.Metadata{
			Version: domain.MetadataVersion,
			Source:  "aggregator",
		},
	}
	for i, x := range ws {
		out.Contributions[i] = domain.Contribution{SignalID: x.sig.ID, Weight: x.w}
		out.Confidence += x.w * x.sig.Confidence
	}
	out.Confidence = clamp01(out.Confidence)

	switch a.cfg.Type {
	case domain.AggregationWeightedAverage:
		a.weightedAverage(ws, &out)
	default:
		consensusVote(ws, &out)
	}

	if err := out.CheckContributions(); err != nil {
		return domain.ConsensusSignal{}, err
	}
	if out.Confidence < a.cfg.MinConfidence {
		return domain.ConsensusSignal{}, errors.Wrapf(domain.ErrInsufficientSignals,
			"%s/%s: confidence %.3f below %.3f", symbol, timeframe, out.Confidence, a.cfg.MinConfidence)
	}

	a.log.WithFields(logrus.Fields{
		"aggregation": out.ID,
		"symbol":      symbol,
		"signal":      out.Signal,
		"strength":    out.Strength,
		"confidence":  out.Confidence,
		"sources":     len(ws),
	}).Debug("aggregated")
	return out, nil
}

// consensusVote picks the bucket with the largest summed weight. A tie at
// the top yields hold.
func consensusVote(ws []weighted, out *domain.ConsensusSignal) {
	sums := map[domain.SignalType]float64{}
	for _, x := range ws {
		sums[x.sig.SignalType] += x.w
	}

	winner, best, tied := domain.SignalHold, -1.0, false
	for _, t := range []domain.SignalType{domain.SignalBuy, domain.SignalSell, domain.SignalHold} {
		v, ok := sums[t]
		if !ok {
			continue
		}
		switch {
		case v > best+domain.WeightEpsilon:
			winner, best, tied = t, v, false
		case math.Abs(v-best) <= domain.WeightEpsilon:
			tied = true
		}
	}
	if tied {
		out.Signal = domain.SignalHold
		return
	}

	out.Signal = winner
	bucket := sums[winner]
	for _, x := range ws {
		if x.sig.SignalType != winner {
			continue
		}
		share := x.w / bucket
		out.Strength += share * x.sig.AdjustedStrength
		out.ExpectedReturn += share * x.sig.ExpectedReturn
		out.MaxRisk += share * x.sig.MaxRisk
	}
	out.Strength = clamp01(out.Strength)
}

// weightedAverage nets directional strength; |net| inside the deadband is
// a hold.
func (a *Aggregator) weightedAverage(ws []weighted, out *domain.ConsensusSignal) {
	net := 0.0
	for _, x := range ws {
		dir := 0.0
		switch x.sig.SignalType {
		case domain.SignalBuy:
			dir = 1
		case domain.SignalSell:
			dir = -1
		}
		net += x.w * dir * x.sig.AdjustedStrength
		out.ExpectedReturn += x.w * x.sig.ExpectedReturn
		out.MaxRisk += x.w * x.sig.MaxRisk
	}

	switch {
	case net > a.cfg.Deadband:
		out.Signal = domain.SignalBuy
	case net < -a.cfg.Deadband:
		out.Signal = domain.SignalSell
	default:
		out.Signal = domain.SignalHold
	}
	out.Strength = clamp01(math.Abs(net))
}

func validSignal(s domain.ProcessedSignal) bool {
	in := func(v float64) bool { return v >= 0 && v <= 1 && !math.IsNaN(v) }
	switch s.SignalType {
	case domain.SignalBuy, domain.SignalSell, domain.SignalHold:
	default:
		return false
	}
	return in(s.Confidence) && in(s.QualityScore) && in(s.AdjustedStrength)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
