package pipeline

import (
	"candleflow/internal/candle"
	"candleflow/internal/feature"
	"candleflow/internal/models"
	"candleflow/internal/sink"
	"candleflow/internal/timeframe"
)

var rawTables = map[models.Category]string{
	models.CategoryTrade:            "trades",
	models.CategoryLiquidation:      "liquidations",
	models.CategoryFundingRate:      "funding_rates",
	models.CategoryDerivativeTicker: "derivative_tickers",
	models.CategoryBookSnapshot:     "book_snapshots",
	models.CategoryOptionsChain:     "options_chains",
}

// RawTable names the table raw ticks of category c are written to.
func RawTable(c models.Category) string {
	if t, ok := rawTables[c]; ok {
		return t
	}
	return string(c)
}

// CandleTable names the table candles of tf are written to.
func CandleTable(tf timeframe.Timeframe) string {
	return "candles_" + tf.String()
}

func col(name string, t sink.ColumnType) sink.Column {
	return sink.Column{Name: name, Type: t}
}

func floats(names ...string) []sink.Column {
	out := make([]sink.Column, len(names))
	for i, n := range names {
		out[i] = col(n, sink.TypeFloat64)
	}
	return out
}

func rawColumns(c models.Category) []sink.Column {
	cols := []sink.Column{
		col(models.ColExchange, sink.TypeString),
		col(models.ColSymbol, sink.TypeString),
		col(models.ColTimestampIn, sink.TypeTimestamp),
		col(models.ColTimestampOut, sink.TypeTimestamp),
	}
	switch c {
	case models.CategoryTrade:
		cols = append(cols, col("trade_id", sink.TypeString))
		cols = append(cols, floats("price", "amount")...)
		cols = append(cols, col("side", sink.TypeString))
	case models.CategoryLiquidation:
		cols = append(cols, col("liquidation_id", sink.TypeString))
		cols = append(cols, floats("price", "amount")...)
		cols = append(cols, col("side", sink.TypeString), col("derived", sink.TypeBool))
	case models.CategoryDerivativeTicker:
		cols = append(cols, floats("last_price", "mark_price", "index_price", "open_interest")...)
		cols = append(cols,
			col("funding_rate", sink.TypeNullableFloat64),
			col("predicted_funding_rate", sink.TypeNullableFloat64),
			col("next_funding_time", sink.TypeTimestamp),
		)
	case models.CategoryFundingRate:
		cols = append(cols, floats("funding_rate", "predicted_funding_rate", "mark_price")...)
		cols = append(cols, col("derived", sink.TypeBool), col("next_funding_time", sink.TypeTimestamp))
	case models.CategoryBookSnapshot:
		cols = append(cols, col("bid_levels", sink.TypeInt64), col("ask_levels", sink.TypeInt64))
		for _, n := range []string{"best_bid_price", "best_bid_amount", "best_ask_price", "best_ask_amount"} {
			cols = append(cols, col(n, sink.TypeNullableFloat64))
		}
	case models.CategoryOptionsChain:
		cols = append(cols, col("option_type", sink.TypeString))
		cols = append(cols, floats("strike")...)
		cols = append(cols, col("expiration", sink.TypeTimestamp))
		cols = append(cols, floats("open_interest", "last_price", "bid_price", "ask_price", "mark_price", "mark_iv", "underlying_price")...)
	}
	return cols
}

func candleColumns(withFeatures bool) []sink.Column {
	cols := []sink.Column{
		col(models.ColExchange, sink.TypeString),
		col(models.ColSymbol, sink.TypeString),
		col(models.ColTimeframe, sink.TypeString),
		col(models.ColTimestampIn, sink.TypeTimestamp),
		col(models.ColTimestampOut, sink.TypeTimestamp),
	}
	cols = append(cols, floats("open", "high", "low", "close", "volume")...)
	cols = append(cols, col("trade_count", sink.TypeInt64), col("vwap", sink.TypeFloat64))
	if withFeatures {
		for _, name := range feature.Names() {
			cols = append(cols, col(name, sink.TypeNullableFloat64))
		}
	}
	return cols
}

// TableSpecs returns the schema of every table written for the given
// timeframes. Partitioning and clustering are filled in by the sink.
func TableSpecs(cfg candle.Config) []sink.TableSpec {
	withFeat := make(map[timeframe.Timeframe]bool, len(cfg.FeatureTimeframes))
	for _, tf := range cfg.FeatureTimeframes {
		withFeat[tf] = true
	}
	specs := make([]sink.TableSpec, 0, len(rawTables)+len(cfg.Timeframes))
	for _, c := range models.Categories() {
		specs = append(specs, sink.TableSpec{Name: RawTable(c), Columns: rawColumns(c)})
	}
	for _, tf := range cfg.Timeframes {
		specs = append(specs, sink.TableSpec{Name: CandleTable(tf), Columns: candleColumns(withFeat[tf])})
	}
	return specs
}
