package feature

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/models"
	"candleflow/internal/timeframe"
)

func candleAt(i int, close, volume float64) models.Candle {
	b := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 15 * time.Second)
	return models.Candle{
		Exchange:     "binance",
		Symbol:       "BTCUSDT",
		Timeframe:    timeframe.TF15s,
		BoundaryTime: b,
		EmitTime:     b.Add(15 * time.Second),
		Open:         close,
		High:         close + 1,
		Low:          close - 1,
		Close:        close,
		Volume:       volume,
		TradeCount:   3,
		VWAP:         close,
	}
}

func TestSMAAbsentUntilFifthCandle(t *testing.T) {
	e := NewEngine(Config{})
	for i := 1; i <= 6; i++ {
		fs := e.Compute(candleAt(i, float64(100+i), 1))
		v, ok := fs.Get(SMA5)
		if i < 5 {
			assert.False(t, ok, "candle %d", i)
			continue
		}
		require.True(t, ok, "candle %d", i)
		// closes i-4..i averaged
		assert.InDelta(t, float64(100+i-2), v, 1e-9)
	}
}

func TestEMASeededWithRawPrice(t *testing.T) {
	e := NewEngine(Config{})
	fs := e.Compute(candleAt(0, 100, 1))
	v, ok := fs.Get(EMA10)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	fs = e.Compute(candleAt(1, 111, 1))
	v, _ = fs.Get(EMA10)
	alpha := 2.0 / 11.0
	assert.InDelta(t, alpha*111+(1-alpha)*100, v, 1e-12)

	macd, ok := fs.Get(MACDSignal)
	require.True(t, ok)
	e5, _ := fs.Get(EMA5)
	assert.InDelta(t, e5-v, macd, 1e-12)
}

func TestMomentumVelocityAcceleration(t *testing.T) {
	e := NewEngine(Config{})
	closes := []float64{100, 102, 105, 103, 108, 110}
	var fs models.FeatureSet
	for i, c := range closes {
		fs = e.Compute(candleAt(i, c, 1))
	}
	v, ok := fs.Get(Momentum5)
	require.True(t, ok)
	assert.InDelta(t, (110.0-100.0)/100.0, v, 1e-12)

	_, ok = fs.Get(Momentum10)
	assert.False(t, ok)

	v, _ = fs.Get(Velocity)
	assert.InDelta(t, 2.0, v, 1e-12)
	v, _ = fs.Get(Acceleration)
	assert.InDelta(t, (110.0-108.0)-(108.0-103.0), v, 1e-12)
	v, _ = fs.Get(LogReturn)
	assert.InDelta(t, math.Log(110.0/108.0), v, 1e-12)
}

func TestWMAWeightsNewestHighest(t *testing.T) {
	e := NewEngine(Config{})
	var fs models.FeatureSet
	for i, c := range []float64{1, 2, 3, 4, 5} {
		fs = e.Compute(candleAt(i, c, 1))
	}
	v, ok := fs.Get(WMA5)
	require.True(t, ok)
	assert.InDelta(t, (1.0+4+9+16+25)/15.0, v, 1e-12)
}

func TestRSIBounds(t *testing.T) {
	e := NewEngine(Config{})
	var fs models.FeatureSet
	for i := 0; i < 6; i++ {
		fs = e.Compute(candleAt(i, float64(100+i), 1))
	}
	v, ok := fs.Get(RSI5)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	e = NewEngine(Config{})
	prices := []float64{100, 97, 99, 94, 95, 90, 93, 91, 98, 80, 85}
	for i, p := range prices {
		fs = e.Compute(candleAt(i, p, 1))
		if v, ok := fs.Get(RSI5); ok {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 100.0)
		}
	}

	e = NewEngine(Config{})
	for i := 0; i < 6; i++ {
		fs = e.Compute(candleAt(i, float64(100-i), 1))
	}
	v, _ = fs.Get(RSI5)
	assert.Equal(t, 0.0, v)
}

func TestBollingerPosition(t *testing.T) {
	e := NewEngine(Config{})
	var fs models.FeatureSet
	for i := 0; i < 19; i++ {
		fs = e.Compute(candleAt(i, 100, 1))
	}
	_, ok := fs.Get(BollingerPosition)
	assert.False(t, ok)

	// flat prices give a zero width band
	fs = e.Compute(candleAt(19, 100, 1))
	_, ok = fs.Get(BollingerPosition)
	assert.False(t, ok)

	fs = e.Compute(candleAt(20, 110, 1))
	v, ok := fs.Get(BollingerPosition)
	require.True(t, ok)

	closes := make([]float64, 0, 20)
	for i := 0; i < 19; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 110)
	sma20 := mean(closes)
	std10 := populationStd(closes[10:])
	assert.InDelta(t, (110-(sma20-2*std10))/(4*std10), v, 1e-9)
}

func TestVolumeFeaturesAndGuards(t *testing.T) {
	e := NewEngine(Config{})
	var fs models.FeatureSet
	for i := 0; i < 5; i++ {
		fs = e.Compute(candleAt(i, 100, 0))
	}
	_, ok := fs.Get(VolumeRatio)
	assert.False(t, ok, "zero volume average must not produce a ratio")

	empty := candleAt(5, 100, 0)
	empty.TradeCount = 0
	fs = e.Compute(empty)
	_, ok = fs.Get(AvgTradeSize)
	assert.False(t, ok)
	v, ok := fs.Get(TradeIntensity)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)

	e = NewEngine(Config{})
	for i, vol := range []float64{1, 2, 3, 4, 10} {
		fs = e.Compute(candleAt(i, 100, vol))
	}
	v, _ = fs.Get(VolumeRatio)
	assert.InDelta(t, 10/4.0, v, 1e-12)
	v, _ = fs.Get(AvgTradeSize)
	assert.InDelta(t, 10/3.0, v, 1e-12)
	v, _ = fs.Get(TradeIntensity)
	assert.InDelta(t, 3/15.0, v, 1e-12)
}

func TestPerCandleFeatures(t *testing.T) {
	e := NewEngine(Config{})
	c := candleAt(0, 100, 2)
	c.VWAP = 98
	fs := e.Compute(c)

	v, _ := fs.Get(VWAPDeviation)
	assert.InDelta(t, 2/98.0, v, 1e-12)
	v, _ = fs.Get(HighLowRatio)
	assert.InDelta(t, 2/100.0, v, 1e-12)
	v, _ = fs.Get(SpreadProxy)
	assert.InDelta(t, 2.0, v, 1e-12)
	_, ok := fs.Get(Velocity)
	assert.False(t, ok)
}

func TestStateIsolatedPerTimeframe(t *testing.T) {
	e := NewEngine(Config{})
	for i := 0; i < 5; i++ {
		e.Compute(candleAt(i, 100, 1))
	}
	other := candleAt(0, 50, 1)
	other.Timeframe = timeframe.TF1m
	fs := e.Compute(other)
	_, ok := fs.Get(SMA5)
	assert.False(t, ok)
	v, _ := fs.Get(EMA5)
	assert.Equal(t, 50.0, v)
	assert.Equal(t, int64(6), e.Computed())
}

func TestHistoryIsBounded(t *testing.T) {
	e := NewEngine(Config{HistoryDepth: 25})
	for i := 0; i < 200; i++ {
		e.Compute(candleAt(i, float64(i), 1))
	}
	st := e.states[stateKey{exchange: "binance", symbol: "BTCUSDT", tf: timeframe.TF15s}]
	require.NotNil(t, st)
	assert.Equal(t, 25, st.closes.len())
	assert.Equal(t, 199.0, st.closes.at(0))
	assert.Equal(t, []float64{197, 198, 199}, st.closes.tail(3))
}

func TestNamesCoversOutput(t *testing.T) {
	e := NewEngine(Config{})
	var fs models.FeatureSet
	for i := 0; i < 30; i++ {
		fs = e.Compute(candleAt(i, 100+float64(i%7), float64(1+i%4)))
	}
	known := map[string]bool{}
	for _, n := range Names() {
		known[n] = true
	}
	for _, n := range fs.Names() {
		assert.True(t, known[n], "unexpected feature %s", n)
	}
	assert.Len(t, fs.Names(), len(Names()))
}

func TestNonFiniteCandleLeavesStateIntact(t *testing.T) {
	bad := []struct {
		name  string
		alter func(*models.Candle)
	}{
		{"nan close", func(c *models.Candle) { c.Close = math.NaN() }},
		{"inf high", func(c *models.Candle) { c.High = math.Inf(1) }},
		{"nan volume", func(c *models.Candle) { c.Volume = math.NaN() }},
		{"inf vwap", func(c *models.Candle) { c.VWAP = math.Inf(-1) }},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(Config{})
			for i := 0; i < 4; i++ {
				e.Compute(candleAt(i, 100, 1))
			}
			c := candleAt(4, 100, 1)
			tc.alter(&c)
			fs := e.Compute(c)
			assert.Empty(t, fs.Names())
			assert.Equal(t, int64(4), e.Computed())

			fs = e.Compute(candleAt(5, 106, 1))
			ema, ok := fs.Get(EMA5)
			require.True(t, ok)
			assert.InDelta(t, 102.0, ema, 1e-9)
			_, ok = fs.Get(MACDSignal)
			assert.True(t, ok)
			_, ok = fs.Get(VolumeEMA5)
			assert.True(t, ok)
			sma, ok := fs.Get(SMA5)
			require.True(t, ok)
			assert.InDelta(t, 101.2, sma, 1e-9)
		})
	}
}

func TestUpdateEMASkipsNonFinite(t *testing.T) {
	st := newRollingState(DefaultHistoryDepth)
	assert.True(t, math.IsNaN(st.updateEMA("close", 5, math.NaN())))
	assert.Empty(t, st.ema)

	assert.Equal(t, 10.0, st.updateEMA("close", 5, 10))
	assert.Equal(t, 10.0, st.updateEMA("close", 5, math.Inf(1)))
	assert.InDelta(t, 12.0, st.updateEMA("close", 5, 16), 1e-9)
}
