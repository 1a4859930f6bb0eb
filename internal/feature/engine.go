// Package feature computes rolling technical indicators from finalized
// candles. State is kept per exchange, symbol and timeframe and is bounded by
// the configured history depth.
package feature

import (
	"math"
	"sync/atomic"

	"candleflow/internal/models"
	"candleflow/internal/timeframe"
)

// DefaultHistoryDepth bounds every rolling series.
const DefaultHistoryDepth = 100

// MinHistoryDepth is the longest window any feature reads (SMA20).
const MinHistoryDepth = 20

// priceImpactEpsilon floors the volume change in the price impact proxy.
const priceImpactEpsilon = 1e-9

// Feature names. The set is fixed so fixed-schema stores can declare one
// column per name.
const (
	SMA5              = "sma_5"
	SMA10             = "sma_10"
	SMA20             = "sma_20"
	EMA5              = "ema_5"
	EMA10             = "ema_10"
	EMA20             = "ema_20"
	WMA5              = "wma_5"
	WMA10             = "wma_10"
	Momentum5         = "momentum_5"
	Momentum10        = "momentum_10"
	Velocity          = "velocity"
	Acceleration      = "acceleration"
	VolumeSMA5        = "volume_sma_5"
	VolumeEMA5        = "volume_ema_5"
	VolumeRatio       = "volume_ratio"
	VWAPDeviation     = "vwap_deviation"
	PriceVolatility5  = "price_volatility_5"
	PriceVolatility10 = "price_volatility_10"
	HighLowRatio      = "high_low_ratio"
	LogReturn         = "log_return"
	TradeIntensity    = "trade_intensity"
	AvgTradeSize      = "avg_trade_size"
	// PriceImpact is |Δclose| / max(Δvolume, ε). It is a rough heuristic and
	// says nothing causal about order flow.
	PriceImpact = "price_impact"
	// SpreadProxy is the candle range; no book data is involved.
	SpreadProxy       = "spread_proxy"
	RSI5              = "rsi_5"
	BollingerPosition = "bollinger_position"
	MACDSignal        = "macd_signal"
	TradeCountSMA5    = "trade_count_sma_5"
	VWAPSMA5          = "vwap_sma_5"
	Range5            = "range_5"
)

var names = []string{
	SMA5, SMA10, SMA20,
	EMA5, EMA10, EMA20,
	WMA5, WMA10,
	Momentum5, Momentum10,
	Velocity, Acceleration,
	VolumeSMA5, VolumeEMA5, VolumeRatio,
	VWAPDeviation,
	PriceVolatility5, PriceVolatility10,
	HighLowRatio, LogReturn,
	TradeIntensity, AvgTradeSize,
	PriceImpact, SpreadProxy,
	RSI5, BollingerPosition, MACDSignal,
	TradeCountSMA5, VWAPSMA5, Range5,
}

// Names lists every feature the engine can produce.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

type stateKey struct {
	exchange string
	symbol   string
	tf       timeframe.Timeframe
}

type emaKey struct {
	metric string
	period int
}

type rollingState struct {
	closes *series
	volume *series
	highs  *series
	lows   *series
	trades *series
	vwaps  *series
	ema    map[emaKey]float64
}

func newRollingState(depth int) *rollingState {
	return &rollingState{
		closes: newSeries(depth),
		volume: newSeries(depth),
		highs:  newSeries(depth),
		lows:   newSeries(depth),
		trades: newSeries(depth),
		vwaps:  newSeries(depth),
		ema:    make(map[emaKey]float64),
	}
}

// updateEMA advances the accumulator. The first observation seeds the EMA
// with the raw value. Non-finite values leave the accumulator untouched.
func (s *rollingState) updateEMA(metric string, period int, value float64) float64 {
	k := emaKey{metric: metric, period: period}
	prev, ok := s.ema[k]
	if !finite(value) {
		if !ok {
			return math.NaN()
		}
		return prev
	}
	if !ok {
		s.ema[k] = value
		return value
	}
	alpha := 2.0 / float64(period+1)
	next := alpha*value + (1-alpha)*prev
	s.ema[k] = next
	return next
}

// Engine is not safe for concurrent use. Each aggregation worker owns one.
type Engine struct {
	depth  int
	states map[stateKey]*rollingState

	computed atomic.Int64
}

// Config controls the engine.
type Config struct {
	HistoryDepth int
}

// NewEngine builds an engine. A zero depth means DefaultHistoryDepth; callers
// are expected to reject depths below MinHistoryDepth, which are raised to it
// here.
func NewEngine(cfg Config) *Engine {
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	if depth < MinHistoryDepth {
		depth = MinHistoryDepth
	}
	return &Engine{depth: depth, states: make(map[stateKey]*rollingState)}
}

// Computed returns the number of feature sets produced so far.
func (e *Engine) Computed() int64 { return e.computed.Load() }

// Compute records the candle in its rolling state and returns the features
// available at this point. A candle with a non-finite price or volume field
// yields an empty set and leaves the rolling state as it was.
func (e *Engine) Compute(c models.Candle) models.FeatureSet {
	if !candleFinite(c) {
		return models.NewFeatureSet(c, nil)
	}
	key := stateKey{exchange: c.Exchange, symbol: c.Symbol, tf: c.Timeframe}
	st, ok := e.states[key]
	if !ok {
		st = newRollingState(e.depth)
		e.states[key] = st
	}

	st.closes.push(c.Close)
	st.volume.push(c.Volume)
	st.highs.push(c.High)
	st.lows.push(c.Low)
	st.trades.push(float64(c.TradeCount))
	st.vwaps.push(c.VWAP)

	out := make(map[string]float64, len(names))
	set := func(name string, v float64) {
		if finite(v) {
			out[name] = v
		}
	}

	closes := st.closes
	n := closes.len()

	for _, p := range []struct {
		name   string
		period int
	}{{SMA5, 5}, {SMA10, 10}, {SMA20, 20}} {
		if n >= p.period {
			set(p.name, mean(closes.tail(p.period)))
		}
	}

	ema5 := st.updateEMA("close", 5, c.Close)
	ema10 := st.updateEMA("close", 10, c.Close)
	ema20 := st.updateEMA("close", 20, c.Close)
	set(EMA5, ema5)
	set(EMA10, ema10)
	set(EMA20, ema20)
	set(MACDSignal, ema5-ema10)

	if n >= 5 {
		set(WMA5, weightedMean(closes.tail(5)))
	}
	if n >= 10 {
		set(WMA10, weightedMean(closes.tail(10)))
	}

	for _, p := range []struct {
		name string
		k    int
	}{{Momentum5, 5}, {Momentum10, 10}} {
		if n >= p.k+1 {
			if base := closes.at(p.k); base != 0 {
				set(p.name, (c.Close-base)/base)
			}
		}
	}

	if n >= 2 {
		prev := closes.at(1)
		set(Velocity, c.Close-prev)
		if c.Close > 0 && prev > 0 {
			set(LogReturn, math.Log(c.Close/prev))
		}
		dv := math.Max(c.Volume-st.volume.at(1), priceImpactEpsilon)
		set(PriceImpact, math.Abs(c.Close-prev)/dv)
	}
	if n >= 3 {
		set(Acceleration, (closes.at(0)-closes.at(1))-(closes.at(1)-closes.at(2)))
	}

	volEMA := st.updateEMA("volume", 5, c.Volume)
	set(VolumeEMA5, volEMA)
	if st.volume.len() >= 5 {
		volSMA := mean(st.volume.tail(5))
		set(VolumeSMA5, volSMA)
		if volSMA != 0 {
			set(VolumeRatio, c.Volume/volSMA)
		}
	}

	if c.VWAP != 0 {
		set(VWAPDeviation, (c.Close-c.VWAP)/c.VWAP)
	}

	if n >= 5 {
		set(PriceVolatility5, populationStd(closes.tail(5)))
	}
	if n >= 10 {
		set(PriceVolatility10, populationStd(closes.tail(10)))
	}

	if c.Close != 0 {
		set(HighLowRatio, (c.High-c.Low)/c.Close)
	}
	set(SpreadProxy, c.High-c.Low)

	if secs := c.Timeframe.Seconds(); secs > 0 {
		set(TradeIntensity, float64(c.TradeCount)/float64(secs))
	}
	if c.TradeCount > 0 {
		set(AvgTradeSize, c.Volume/float64(c.TradeCount))
	}

	if n >= 6 {
		set(RSI5, rsi(closes.tail(6)))
	}

	if n >= 20 {
		sma20 := mean(closes.tail(20))
		std10 := populationStd(closes.tail(10))
		if std10 > 0 {
			lower := sma20 - 2*std10
			set(BollingerPosition, (c.Close-lower)/(4*std10))
		}
	}

	if st.trades.len() >= 5 {
		set(TradeCountSMA5, mean(st.trades.tail(5)))
	}
	if st.vwaps.len() >= 5 {
		set(VWAPSMA5, mean(st.vwaps.tail(5)))
	}
	if st.highs.len() >= 5 {
		hi, lo := math.Inf(-1), math.Inf(1)
		for _, v := range st.highs.tail(5) {
			hi = math.Max(hi, v)
		}
		for _, v := range st.lows.tail(5) {
			lo = math.Min(lo, v)
		}
		set(Range5, hi-lo)
	}

	e.computed.Add(1)
	return models.NewFeatureSet(c, out)
}

func candleFinite(c models.Candle) bool {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume, c.VWAP} {
		if !finite(v) {
			return false
		}
	}
	return true
}
