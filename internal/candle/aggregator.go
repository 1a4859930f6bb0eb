// Package candle turns trade ticks into multi-timeframe OHLCV candles.
package candle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"candleflow/internal/models"
	"candleflow/internal/timeframe"
	"candleflow/logger"
)

var (
	// ErrLateTick marks a trade whose bucket has already been closed.
	ErrLateTick = errors.New("late tick")
	// ErrNotTrade is returned for ticks that do not carry a trade payload.
	ErrNotTrade = errors.New("tick is not a trade")
	// ErrMalformedTick is returned for trades that fail models.Trade.Validate.
	// They are counted and never aggregated.
	ErrMalformedTick = models.ErrMalformedTrade
)

// LateTickError lists the timeframes that rejected a trade. The trade was
// still applied to every other timeframe.
type LateTickError struct {
	Exchange   string
	Symbol     string
	EventTime  time.Time
	Timeframes []timeframe.Timeframe
}

func (e *LateTickError) Error() string {
	tfs := make([]string, len(e.Timeframes))
	for i, tf := range e.Timeframes {
		tfs[i] = tf.String()
	}
	return fmt.Sprintf("late tick %s/%s at %s for %s", e.Exchange, e.Symbol,
		e.EventTime.UTC().Format(time.RFC3339Nano), strings.Join(tfs, ","))
}

func (e *LateTickError) Unwrap() error { return ErrLateTick }

// FeatureComputer derives features from a finalized candle.
type FeatureComputer interface {
	Compute(models.Candle) models.FeatureSet
}

// Config selects timeframes and closing behaviour.
type Config struct {
	Timeframes        []timeframe.Timeframe
	FeatureTimeframes []timeframe.Timeframe
	// FillGaps emits zero-trade candles for buckets skipped between trades.
	FillGaps bool
	// CloseGrace delays wall clock closing so trades arriving slightly after
	// a boundary still land in their bucket.
	CloseGrace time.Duration
}

// Stats are cumulative counters.
type Stats struct {
	Trades          int64
	LateTicks       int64
	Malformed       int64
	Candles         int64
	EmptyCandles    int64
	FeatureFailures int64
	OpenBuilders    int64
}

type key struct {
	exchange string
	symbol   string
	tf       timeframe.Timeframe
}

// Aggregator owns one builder per (exchange, symbol, timeframe). It must be
// driven by a single goroutine; Stats may be read concurrently.
type Aggregator struct {
	cfg        Config
	durations  map[timeframe.Timeframe]time.Duration
	withFeat   map[timeframe.Timeframe]bool
	features   FeatureComputer
	now        func(boundary time.Time, d time.Duration) time.Time
	log        *logger.Entry
	builders   map[key]*builder
	lastClosed map[key]time.Time
	lastClose  map[key]float64

	trades          atomic.Int64
	lateTicks       atomic.Int64
	malformed       atomic.Int64
	candles         atomic.Int64
	emptyCandles    atomic.Int64
	featureFailures atomic.Int64
	openBuilders    atomic.Int64
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock sets the wall clock used for emit times.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = func(time.Time, time.Duration) time.Time { return now().UTC() }
	}
}

// WithEventClock stamps each candle with the end of its bucket instead of
// the wall clock, so replays produce identical rows.
func WithEventClock() Option {
	return func(a *Aggregator) {
		a.now = func(boundary time.Time, d time.Duration) time.Time { return boundary.Add(d) }
	}
}

// WithLogger replaces the component logger.
func WithLogger(log *logger.Entry) Option {
	return func(a *Aggregator) { a.log = log }
}

// New validates the configuration. features may be nil when no timeframe
// needs features.
func New(cfg Config, features FeatureComputer, opts ...Option) (*Aggregator, error) {
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("at least one timeframe is required")
	}
	a := &Aggregator{
		cfg:        cfg,
		durations:  make(map[timeframe.Timeframe]time.Duration, len(cfg.Timeframes)),
		withFeat:   make(map[timeframe.Timeframe]bool, len(cfg.FeatureTimeframes)),
		features:   features,
		log:        logger.GetLogger().WithComponent("aggregator"),
		builders:   make(map[key]*builder),
		lastClosed: make(map[key]time.Time),
		lastClose:  make(map[key]float64),
	}
	for _, tf := range cfg.Timeframes {
		d, err := tf.Duration()
		if err != nil {
			return nil, err
		}
		a.durations[tf] = d
	}
	for _, tf := range cfg.FeatureTimeframes {
		if _, ok := a.durations[tf]; !ok {
			return nil, fmt.Errorf("feature timeframe %s is not an enabled timeframe", tf)
		}
		a.withFeat[tf] = true
	}
	if len(a.withFeat) > 0 && features == nil {
		return nil, fmt.Errorf("feature timeframes configured without a feature engine")
	}
	WithClock(time.Now)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Process applies a trade tick to every configured timeframe and returns the
// candles it closed. A *LateTickError is returned together with any
// emissions produced by timeframes that accepted the trade.
func (a *Aggregator) Process(tick models.Tick) ([]models.Emission, error) {
	trade, ok := tick.Trade()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTrade, tick.Category())
	}
	if err := trade.Validate(); err != nil {
		a.malformed.Add(1)
		a.log.WithMarket(tick.Exchange, tick.Symbol).WithError(err).Debug("malformed trade dropped")
		return nil, err
	}
	a.trades.Add(1)

	var (
		out  []models.Emission
		late []timeframe.Timeframe
	)
	for _, tf := range a.cfg.Timeframes {
		d := a.durations[tf]
		k := key{exchange: tick.Exchange, symbol: tick.Symbol, tf: tf}
		boundary := timeframe.MustAlign(tick.EventTime, tf)

		b, open := a.builders[k]
		switch {
		case open && boundary.Equal(b.boundary):
			b.apply(trade)
			continue
		case open && boundary.Before(b.boundary):
			late = append(late, tf)
			continue
		case !open:
			if last, seen := a.lastClosed[k]; seen && !boundary.After(last) {
				late = append(late, tf)
				continue
			}
		}

		if open {
			out = append(out, a.close(k, b))
		}
		out = append(out, a.fillGaps(k, boundary, d)...)

		nb := newBuilder(k, boundary)
		nb.apply(trade)
		a.builders[k] = nb
		a.openBuilders.Add(1)
	}

	if len(late) > 0 {
		a.lateTicks.Add(1)
		err := &LateTickError{Exchange: tick.Exchange, Symbol: tick.Symbol, EventTime: tick.EventTime, Timeframes: late}
		a.log.WithMarket(tick.Exchange, tick.Symbol).WithFields(logger.Fields{
			"event_time": tick.EventTime,
			"timeframes": len(late),
		}).Debug("late tick rejected")
		return out, err
	}
	return out, nil
}

// fillGaps emits empty candles for buckets strictly between the last closed
// bucket and next.
func (a *Aggregator) fillGaps(k key, next time.Time, d time.Duration) []models.Emission {
	if !a.cfg.FillGaps {
		return nil
	}
	last, seen := a.lastClosed[k]
	if !seen {
		return nil
	}
	var out []models.Emission
	for b := last.Add(d); b.Before(next); b = b.Add(d) {
		out = append(out, a.close(k, emptyBuilder(k, b, a.lastClose[k])))
	}
	return out
}

// CloseDue finalizes every bucket that ended at least CloseGrace before now.
// With FillGaps set, quiet symbols also get empty candles up to now.
func (a *Aggregator) CloseDue(now time.Time) []models.Emission {
	var out []models.Emission
	for _, k := range a.sortedKeys() {
		d := a.durations[k.tf]
		due := func(boundary time.Time) bool {
			return !boundary.Add(d).Add(a.cfg.CloseGrace).After(now)
		}
		if b, ok := a.builders[k]; ok {
			if !due(b.boundary) {
				continue
			}
			out = append(out, a.close(k, b))
		}
		if !a.cfg.FillGaps {
			continue
		}
		last, seen := a.lastClosed[k]
		if !seen {
			continue
		}
		for nb := last.Add(d); due(nb); nb = nb.Add(d) {
			out = append(out, a.close(k, emptyBuilder(k, nb, a.lastClose[k])))
		}
	}
	return out
}

// Flush finalizes every open builder regardless of its bucket and clears all
// state.
func (a *Aggregator) Flush() []models.Emission {
	var out []models.Emission
	for _, k := range a.sortedKeys() {
		if b, ok := a.builders[k]; ok {
			out = append(out, a.close(k, b))
		}
	}
	a.builders = make(map[key]*builder)
	a.lastClosed = make(map[key]time.Time)
	a.lastClose = make(map[key]float64)
	a.openBuilders.Store(0)
	if len(out) > 0 {
		a.log.WithFields(logger.Fields{"candles": len(out)}).Info("flushed open candles")
	}
	return out
}

func (a *Aggregator) close(k key, b *builder) models.Emission {
	if cur, ok := a.builders[k]; ok && cur == b {
		delete(a.builders, k)
		a.openBuilders.Add(-1)
	}
	c := b.finalize(a.now(b.boundary, a.durations[k.tf]))
	a.lastClosed[k] = b.boundary
	a.lastClose[k] = c.Close
	a.candles.Add(1)
	if c.Empty() {
		a.emptyCandles.Add(1)
	}

	e := models.Emission{Candle: c}
	if a.withFeat[k.tf] {
		e.Features = a.safeCompute(c)
	}
	return e
}

// safeCompute shields candle emission from feature failures.
func (a *Aggregator) safeCompute(c models.Candle) (fs *models.FeatureSet) {
	defer func() {
		if r := recover(); r != nil {
			a.featureFailures.Add(1)
			a.log.WithMarket(c.Exchange, c.Symbol).WithFields(logger.Fields{
				"timeframe": c.Timeframe.String(),
				"panic":     fmt.Sprint(r),
			}).Error("feature computation failed")
			fs = nil
		}
	}()
	set := a.features.Compute(c)
	return &set
}

func (a *Aggregator) sortedKeys() []key {
	seen := make(map[key]struct{}, len(a.builders)+len(a.lastClosed))
	keys := make([]key, 0, len(seen))
	for k := range a.builders {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range a.lastClosed {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].exchange != keys[j].exchange {
			return keys[i].exchange < keys[j].exchange
		}
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return a.durations[keys[i].tf] < a.durations[keys[j].tf]
	})
	return keys
}

// Stats returns a snapshot of the counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Trades:          a.trades.Load(),
		LateTicks:       a.lateTicks.Load(),
		Malformed:       a.malformed.Load(),
		Candles:         a.candles.Load(),
		EmptyCandles:    a.emptyCandles.Load(),
		FeatureFailures: a.featureFailures.Load(),
		OpenBuilders:    a.openBuilders.Load(),
	}
}
