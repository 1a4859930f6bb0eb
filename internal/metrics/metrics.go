// Registers:
//
//	#candleflow_ticks_total, #candleflow_ticks_unsupported_total, #candleflow_late_ticks_total
//	#candleflow_candles_total, #candleflow_candle_latency_seconds
//	#candleflow_sink_rows_total, #candleflow_sink_failed_batches_total, #candleflow_sink_dropped_rows_total
//	#candleflow_sink_flush_seconds, #candleflow_sink_queued_rows, #candleflow_shard_queue_depth
//	#candleflow_drops_total
//	#go_* and process_* system metrics
//
// on a private registry exposed through Recorder.Handler.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candleflow/internal/candle"
	"candleflow/internal/models"
	"candleflow/internal/sink"
)

const namespace = "candleflow"

// Recorder keeps the Prometheus view of the pipeline. It implements
// pipeline.Observer and is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	unsupported   *prometheus.CounterVec
	late          *prometheus.CounterVec
	candles       *prometheus.CounterVec
	emptyCandles  *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	sinkRows      *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	sinkDropped   *prometheus.CounterVec
	flushDuration *prometheus.HistogramVec
	sinkQueued    *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	drops         *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks received by the pipeline",
		}, []string{"exchange", "category"}),
		unsupported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_unsupported_total",
			Help:      "Ticks dropped because no processor handles their category",
		}, []string{"category"}),
		late: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_ticks_total",
			Help:      "Trades rejected by at least one timeframe",
		}, []string{"exchange", "timeframe"}),
		candles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_total",
			Help:      "Candles emitted",
		}, []string{"timeframe"}),
		emptyCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_candles_total",
			Help:      "Candles emitted without trades",
		}, []string{"timeframe"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candle_latency_seconds",
			Help:      "Delay between bucket open and candle emission",
			Buckets:   []float64{15, 30, 60, 120, 300, 900, 1800, 3600, 14400, 86400},
		}, []string{"timeframe"}),
		sinkRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_rows_total",
			Help:      "Rows written to the table store",
		}, []string{"table"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failed_batches_total",
			Help:      "Batches dropped after the retry failed",
		}, []string{"table"}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_rows_total",
			Help:      "Rows lost with failed batches",
		}, []string{"table"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_flush_seconds",
			Help:      "Duration of a table flush including the retry",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		sinkQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queued_rows",
			Help:      "Rows waiting in the sink queue",
		}, []string{"table"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_queue_depth",
			Help:      "Ticks waiting in a pipeline shard",
		}, []string{"shard"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Items dropped by stage",
		}, []string{"stage"}),
	}

	r.registry.MustRegister(
		r.ticks, r.unsupported, r.late, r.candles, r.emptyCandles, r.latency,
		r.sinkRows, r.sinkFailures, r.sinkDropped, r.flushDuration, r.sinkQueued,
		r.queueDepth, r.drops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) TickReceived(t models.Tick) {
	r.ticks.WithLabelValues(t.Exchange, string(t.Category())).Inc()
}

func (r *Recorder) TickUnsupported(t models.Tick) {
	r.unsupported.WithLabelValues(string(t.Category())).Inc()
}

func (r *Recorder) TickLate(err *candle.LateTickError) {
	for _, tf := range err.Timeframes {
		r.late.WithLabelValues(err.Exchange, tf.String()).Inc()
	}
}

func (r *Recorder) CandleEmitted(e models.Emission) {
	tf := e.Candle.Timeframe.String()
	r.candles.WithLabelValues(tf).Inc()
	if e.Candle.Empty() {
		r.emptyCandles.WithLabelValues(tf).Inc()
	}
	r.latency.WithLabelValues(tf).Observe(e.Candle.Latency().Seconds())
}

// ObserveFlush is installed as the sink flush hook.
func (r *Recorder) ObserveFlush(res sink.FlushResult) {
	r.flushDuration.WithLabelValues(res.Table).Observe(res.Duration.Seconds())
	if res.Err != nil {
		r.sinkFailures.WithLabelValues(res.Table).Inc()
		r.sinkDropped.WithLabelValues(res.Table).Add(float64(res.Rows))
		return
	}
	r.sinkRows.WithLabelValues(res.Table).Add(float64(res.Written))
}

// SetQueueDepth records the backlog of every shard.
func (r *Recorder) SetQueueDepth(depths []int) {
	for i, d := range depths {
		r.queueDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(d))
	}
}

func (r *Recorder) SetSinkQueues(stats map[string]sink.TableStats) {
	for table, st := range stats {
		r.sinkQueued.WithLabelValues(table).Set(float64(st.QueuedRows))
	}
}

// AddDrops adds n drops for stage. Non-positive n is ignored.
func (r *Recorder) AddDrops(stage DropMetric, n int64) {
	if n <= 0 {
		return
	}
	r.drops.WithLabelValues(string(stage)).Add(float64(n))
}
