package candle

import (
	"time"

	"candleflow/internal/models"
	"candleflow/internal/timeframe"
)

// builder accumulates trades for one open bucket.
type builder struct {
	exchange string
	symbol   string
	tf       timeframe.Timeframe
	boundary time.Time

	open, high, low, close float64
	volume                 float64
	tradeCount             int64
	notional               float64 // Σ price*amount
}

func newBuilder(k key, boundary time.Time) *builder {
	return &builder{exchange: k.exchange, symbol: k.symbol, tf: k.tf, boundary: boundary}
}

// emptyBuilder starts a bucket that carries the previous close forward.
func emptyBuilder(k key, boundary time.Time, lastClose float64) *builder {
	b := newBuilder(k, boundary)
	b.open, b.high, b.low, b.close = lastClose, lastClose, lastClose, lastClose
	return b
}

func (b *builder) apply(t models.Trade) {
	if b.tradeCount == 0 {
		b.open, b.high, b.low = t.Price, t.Price, t.Price
	} else {
		if t.Price > b.high {
			b.high = t.Price
		}
		if t.Price < b.low {
			b.low = t.Price
		}
	}
	b.close = t.Price
	b.volume += t.Amount
	b.notional += t.Price * t.Amount
	b.tradeCount++
}

func (b *builder) vwap() float64 {
	if b.volume > 0 {
		return b.notional / b.volume
	}
	// no traded volume: fall back to the close so downstream ratios stay defined
	return b.close
}

func (b *builder) finalize(emit time.Time) models.Candle {
	if emit.Before(b.boundary) {
		emit = b.boundary
	}
	return models.Candle{
		Exchange:     b.exchange,
		Symbol:       b.symbol,
		Timeframe:    b.tf,
		BoundaryTime: b.boundary,
		EmitTime:     emit,
		Open:         b.open,
		High:         b.high,
		Low:          b.low,
		Close:        b.close,
		Volume:       b.volume,
		TradeCount:   b.tradeCount,
		VWAP:         b.vwap(),
	}
}
