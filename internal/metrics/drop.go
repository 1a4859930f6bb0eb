package metrics

import "candleflow/logger"

// DropMetric identifies the metric name emitted when items are dropped.
type DropMetric string

const (
	// DropMetricTickChannel records ticks a reader could not hand to the tick channel.
	DropMetricTickChannel DropMetric = "tick_channel_dropped"
	// DropMetricShardQueue records ticks rejected by a full pipeline shard.
	DropMetricShardQueue DropMetric = "shard_queue_dropped"
	// DropMetricPublisher records candle rows the serve path could not buffer.
	DropMetricPublisher DropMetric = "publisher_dropped"
	// DropMetricLateTick records trades rejected as late.
	DropMetricLateTick DropMetric = "late_ticks"
	// DropMetricMalformed records trades and liquidations with an unusable
	// price or amount.
	DropMetricMalformed DropMetric = "malformed_ticks"
	// DropMetricUnsupported records ticks with no processor for their category.
	DropMetricUnsupported DropMetric = "unsupported_ticks"
	// DropMetricSinkRows records rows lost with failed sink batches.
	DropMetricSinkRows DropMetric = "sink_rows_dropped"
)

const dropComponent = "drops"

// EmitDropMetric logs and emits a metric for count items dropped at one stage.
// Optional metadata (exchange, symbol, stage) is added to the metric fields
// when provided. A non-positive count emits nothing.
func EmitDropMetric(log *logger.Log, metric DropMetric, count int64, exchange, symbol, stage string) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, dropComponent, string(metric), count, "counter", fields)
}
