package candle

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/feature"
	"candleflow/internal/models"
	"candleflow/internal/timeframe"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func trade(sec float64, price, amount float64) models.Tick {
	ts := t0.Add(time.Duration(sec * float64(time.Second)))
	return models.Tick{
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		EventTime:  ts,
		IngestTime: ts,
		Payload:    models.Trade{Price: price, Amount: amount, Side: models.SideBuy},
	}
}

func newAgg(t *testing.T, cfg Config, opts ...Option) *Aggregator {
	t.Helper()
	if cfg.Timeframes == nil {
		cfg.Timeframes = []timeframe.Timeframe{timeframe.TF15s}
	}
	opts = append([]Option{WithEventClock()}, opts...)
	a, err := New(cfg, feature.NewEngine(feature.Config{}), opts...)
	require.NoError(t, err)
	return a
}

func TestCandleClosesOnBoundaryCross(t *testing.T) {
	a := newAgg(t, Config{})

	out, err := a.Process(trade(0, 100, 1))
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = a.Process(trade(10, 105, 1))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = a.Process(trade(20, 95, 2))
	require.NoError(t, err)
	require.Len(t, out, 1)

	c := out[0].Candle
	assert.Equal(t, t0, c.BoundaryTime)
	assert.Equal(t, t0.Add(15*time.Second), c.EmitTime)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 100.0, c.Low)
	assert.Equal(t, 105.0, c.Close)
	assert.Equal(t, 2.0, c.Volume)
	assert.Equal(t, int64(2), c.TradeCount)
	assert.InDelta(t, 102.5, c.VWAP, 1e-12)

	rest := a.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, t0.Add(15*time.Second), rest[0].Candle.BoundaryTime)
	assert.Equal(t, 95.0, rest[0].Candle.Open)
	assert.Equal(t, 2.0, rest[0].Candle.Volume)
}

func TestVWAPWithinOneBucket(t *testing.T) {
	a := newAgg(t, Config{})
	for _, tk := range []models.Tick{trade(0, 100, 1), trade(5, 105, 1), trade(10, 95, 2)} {
		_, err := a.Process(tk)
		require.NoError(t, err)
	}
	out := a.Flush()
	require.Len(t, out, 1)
	c := out[0].Candle
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 95.0, c.Low)
	assert.Equal(t, 95.0, c.Close)
	assert.Equal(t, 4.0, c.Volume)
	assert.Equal(t, int64(3), c.TradeCount)
	assert.InDelta(t, 98.75, c.VWAP, 1e-12)
}

func TestLateTickRejected(t *testing.T) {
	a := newAgg(t, Config{})
	_, _ = a.Process(trade(0, 100, 1))
	out, err := a.Process(trade(20, 95, 2))
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = a.Process(trade(3, 1000, 50))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLateTick))
	var lte *LateTickError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, []timeframe.Timeframe{timeframe.TF15s}, lte.Timeframes)
	assert.Empty(t, out)

	rest := a.Flush()
	require.Len(t, rest, 1)
	assert.Equal(t, 95.0, rest[0].Candle.High, "late trade must not leak into the open candle")
	assert.Equal(t, int64(1), a.Stats().LateTicks)
}

func TestLateOnlyForFastTimeframe(t *testing.T) {
	a := newAgg(t, Config{Timeframes: []timeframe.Timeframe{timeframe.TF15s, timeframe.TF1m}})
	_, _ = a.Process(trade(0, 100, 1))
	_, _ = a.Process(trade(20, 101, 1))

	_, err := a.Process(trade(5, 99, 1))
	var lte *LateTickError
	require.True(t, errors.As(err, &lte))
	assert.Equal(t, []timeframe.Timeframe{timeframe.TF15s}, lte.Timeframes)

	out := a.Flush()
	require.Len(t, out, 2)
	minute := out[1].Candle
	assert.Equal(t, timeframe.TF1m, minute.Timeframe)
	assert.Equal(t, int64(3), minute.TradeCount)
	assert.Equal(t, 99.0, minute.Low)
}

func TestBoundariesStrictlyIncrease(t *testing.T) {
	a := newAgg(t, Config{Timeframes: []timeframe.Timeframe{timeframe.TF15s, timeframe.TF1m}})
	var all []models.Emission
	for i := 0; i < 400; i++ {
		out, err := a.Process(trade(float64(i)*1.7, 100+float64(i%13), 0.5))
		require.NoError(t, err)
		all = append(all, out...)
	}
	all = append(all, a.Flush()...)

	last := map[timeframe.Timeframe]time.Time{}
	for _, e := range all {
		c := e.Candle
		if prev, ok := last[c.Timeframe]; ok {
			assert.True(t, c.BoundaryTime.After(prev))
		}
		last[c.Timeframe] = c.BoundaryTime
		assert.LessOrEqual(t, c.Low, c.Open)
		assert.LessOrEqual(t, c.Low, c.Close)
		assert.GreaterOrEqual(t, c.High, c.Open)
		assert.GreaterOrEqual(t, c.High, c.Close)
		assert.False(t, c.EmitTime.Before(c.BoundaryTime))
	}
}

func TestFeaturesOnlyForConfiguredTimeframes(t *testing.T) {
	a := newAgg(t, Config{
		Timeframes:        []timeframe.Timeframe{timeframe.TF15s, timeframe.TF1m},
		FeatureTimeframes: []timeframe.Timeframe{timeframe.TF15s},
	})
	_, _ = a.Process(trade(0, 100, 1))
	out := a.Flush()
	require.Len(t, out, 2)
	for _, e := range out {
		if e.Candle.Timeframe == timeframe.TF15s {
			require.NotNil(t, e.Features)
			_, ok := e.Features.Get(feature.EMA5)
			assert.True(t, ok)
		} else {
			assert.Nil(t, e.Features)
		}
	}
}

type panicky struct{}

func (panicky) Compute(models.Candle) models.FeatureSet { panic("boom") }

func TestFeatureFailureDoesNotBlockCandle(t *testing.T) {
	a, err := New(Config{
		Timeframes:        []timeframe.Timeframe{timeframe.TF15s},
		FeatureTimeframes: []timeframe.Timeframe{timeframe.TF15s},
	}, panicky{})
	require.NoError(t, err)

	_, _ = a.Process(trade(0, 100, 1))
	out, err := a.Process(trade(16, 101, 1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Features)
	assert.Equal(t, 100.0, out[0].Candle.Close)
	assert.Equal(t, int64(1), a.Stats().FeatureFailures)
}

func TestFillGapsCarriesLastClose(t *testing.T) {
	a := newAgg(t, Config{FillGaps: true})
	_, _ = a.Process(trade(1, 100, 1))
	out, err := a.Process(trade(62, 110, 1))
	require.NoError(t, err)
	// bucket 0 plus empty buckets 15, 30, 45
	require.Len(t, out, 4)
	for i, e := range out[1:] {
		c := e.Candle
		assert.Equal(t, t0.Add(time.Duration(15*(i+1))*time.Second), c.BoundaryTime)
		assert.True(t, c.Empty())
		assert.Equal(t, 0.0, c.Volume)
		assert.Equal(t, 100.0, c.Open)
		assert.Equal(t, 100.0, c.High)
		assert.Equal(t, 100.0, c.Low)
		assert.Equal(t, 100.0, c.Close)
		assert.Equal(t, 100.0, c.VWAP)
	}
	assert.Equal(t, int64(3), a.Stats().EmptyCandles)
}

func TestCloseDueWithGrace(t *testing.T) {
	a := newAgg(t, Config{CloseGrace: 2 * time.Second, FillGaps: true})
	_, _ = a.Process(trade(3, 100, 1))

	assert.Empty(t, a.CloseDue(t0.Add(16*time.Second)))

	out := a.CloseDue(t0.Add(17 * time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, t0, out[0].Candle.BoundaryTime)
	assert.Equal(t, int64(0), a.Stats().OpenBuilders)

	// quiet market keeps producing empty candles
	out = a.CloseDue(t0.Add(47 * time.Second))
	require.Len(t, out, 2)
	assert.True(t, out[0].Candle.Empty())
	assert.Equal(t, t0.Add(30*time.Second), out[1].Candle.BoundaryTime)

	// a trade for an already closed bucket is late
	_, err := a.Process(trade(20, 101, 1))
	assert.ErrorIs(t, err, ErrLateTick)

	out, err = a.Process(trade(50, 102, 1))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWallClockEmitTime(t *testing.T) {
	fixed := t0.Add(time.Hour)
	a, err := New(Config{Timeframes: []timeframe.Timeframe{timeframe.TF15s}}, nil,
		WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	_, _ = a.Process(trade(0, 1, 1))
	out := a.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, fixed, out[0].Candle.EmitTime)
	assert.Equal(t, time.Hour, out[0].Candle.Latency())
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Timeframes: []timeframe.Timeframe{"7m"}}, nil)
	assert.ErrorIs(t, err, timeframe.ErrInvalidTimeframe)

	_, err = New(Config{
		Timeframes:        []timeframe.Timeframe{timeframe.TF1m},
		FeatureTimeframes: []timeframe.Timeframe{timeframe.TF15s},
	}, feature.NewEngine(feature.Config{}))
	assert.Error(t, err)

	_, err = New(Config{
		Timeframes:        []timeframe.Timeframe{timeframe.TF1m},
		FeatureTimeframes: []timeframe.Timeframe{timeframe.TF1m},
	}, nil)
	assert.Error(t, err)
}

func TestNonTradeRejected(t *testing.T) {
	a := newAgg(t, Config{})
	_, err := a.Process(models.Tick{Payload: models.Liquidation{}})
	assert.ErrorIs(t, err, ErrNotTrade)
}

func TestFlushClearsState(t *testing.T) {
	a := newAgg(t, Config{})
	_, _ = a.Process(trade(40, 100, 1))
	require.Len(t, a.Flush(), 1)
	assert.Empty(t, a.Flush())

	// state is gone, so an older bucket is accepted again
	_, err := a.Process(trade(0, 100, 1))
	assert.NoError(t, err)
}

func TestMalformedTradeDropped(t *testing.T) {
	cases := []struct {
		name   string
		price  float64
		amount float64
	}{
		{"nan price", math.NaN(), 1},
		{"inf price", math.Inf(1), 1},
		{"zero price", 0, 1},
		{"negative price", -5, 1},
		{"negative amount", 100, -1},
		{"nan amount", 100, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAgg(t, Config{FeatureTimeframes: []timeframe.Timeframe{timeframe.TF15s}})

			_, err := a.Process(trade(0, 100, 1))
			require.NoError(t, err)
			out, err := a.Process(trade(5, tc.price, tc.amount))
			assert.ErrorIs(t, err, ErrMalformedTick)
			assert.Empty(t, out)
			assert.Equal(t, int64(1), a.Stats().Malformed)
			assert.Equal(t, int64(1), a.Stats().Trades)

			_, err = a.Process(trade(10, 102, 2))
			require.NoError(t, err)
			out, err = a.Process(trade(20, 104, 1))
			require.NoError(t, err)
			require.Len(t, out, 1)

			c := out[0].Candle
			assert.Equal(t, 100.0, c.Open)
			assert.Equal(t, 102.0, c.High)
			assert.Equal(t, 100.0, c.Low)
			assert.Equal(t, 102.0, c.Close)
			assert.Equal(t, 3.0, c.Volume)
			assert.Equal(t, int64(2), c.TradeCount)

			require.NotNil(t, out[0].Features)
			ema, ok := out[0].Features.Get(feature.EMA5)
			require.True(t, ok)
			assert.Equal(t, 102.0, ema)

			rest := a.Flush()
			require.Len(t, rest, 1)
			ema, ok = rest[0].Features.Get(feature.EMA5)
			require.True(t, ok)
			assert.InDelta(t, 102.0+(104.0-102.0)/3, ema, 1e-9)
		})
	}
}
