package models

import (
	"sort"
	"time"

	"candleflow/internal/timeframe"
)

// Candle is a finalized OHLCV aggregate for one bucket.
type Candle struct {
	Exchange  string
	Symbol    string
	Timeframe timeframe.Timeframe

	// BoundaryTime is the aligned bucket start, EmitTime the moment the
	// candle was finalized. EmitTime is never before BoundaryTime.
	BoundaryTime time.Time
	EmitTime     time.Time

	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	VWAP       float64
}

// Latency is the delay between bucket open and emission.
func (c Candle) Latency() time.Duration {
	return c.EmitTime.Sub(c.BoundaryTime)
}

// Empty reports whether the candle was finalized without trades.
func (c Candle) Empty() bool {
	return c.TradeCount == 0
}

// Row flattens the candle fields.
func (c Candle) Row() Row {
	return Row{
		ColExchange:     c.Exchange,
		ColSymbol:       c.Symbol,
		ColTimeframe:    string(c.Timeframe),
		ColTimestampIn:  c.BoundaryTime.UTC(),
		ColTimestampOut: c.EmitTime.UTC(),
		"open":          c.Open,
		"high":          c.High,
		"low":           c.Low,
		"close":         c.Close,
		"volume":        c.Volume,
		"trade_count":   c.TradeCount,
		"vwap":          c.VWAP,
	}
}

// FeatureSet holds the indicators computed for one candle. Values that need
// more history than is available are absent.
type FeatureSet struct {
	Exchange     string
	Symbol       string
	Timeframe    timeframe.Timeframe
	BoundaryTime time.Time

	values map[string]float64
}

// NewFeatureSet copies values so the set cannot be mutated afterwards.
func NewFeatureSet(c Candle, values map[string]float64) FeatureSet {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return FeatureSet{
		Exchange:     c.Exchange,
		Symbol:       c.Symbol,
		Timeframe:    c.Timeframe,
		BoundaryTime: c.BoundaryTime,
		values:       copied,
	}
}

// Get returns the named value and whether it is present.
func (f FeatureSet) Get(name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

func (f FeatureSet) Len() int { return len(f.values) }

// Names returns the present feature names in sorted order.
func (f FeatureSet) Names() []string {
	names := make([]string, 0, len(f.values))
	for k := range f.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Emission is a finalized candle plus its features. Features is nil for
// timeframes without feature computation or when computation failed.
type Emission struct {
	Candle   Candle
	Features *FeatureSet
}

// Row merges candle and feature columns. With a nil schema only present
// features are written; otherwise every name in schema is written and
// absent values become nil.
func (e Emission) Row(schema []string) Row {
	row := e.Candle.Row()
	if schema == nil {
		if e.Features != nil {
			for k, v := range e.Features.values {
				row[k] = v
			}
		}
		return row
	}
	for _, name := range schema {
		if e.Features != nil {
			if v, ok := e.Features.values[name]; ok {
				row[name] = v
				continue
			}
		}
		row[name] = nil
	}
	return row
}
