package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/config"
	"candleflow/internal/candle"
	"candleflow/internal/channel"
	"candleflow/internal/models"
	"candleflow/internal/pipeline"
	"candleflow/internal/sink"
	"candleflow/internal/timeframe"
	"candleflow/internal/writer"
	"candleflow/logger"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestRecorderObservesPipeline(t *testing.T) {
	r := NewRecorder()

	tick := models.Tick{Exchange: "binance", Symbol: "BTCUSDT", Payload: models.Trade{Price: 1, Amount: 1}}
	r.TickReceived(tick)
	r.TickReceived(tick)
	r.TickUnsupported(models.Tick{Payload: models.OptionsChain{}})
	r.TickLate(&candle.LateTickError{
		Exchange:   "binance",
		Timeframes: []timeframe.Timeframe{timeframe.TF15s, timeframe.TF1m},
	})
	r.CandleEmitted(models.Emission{Candle: models.Candle{
		Timeframe:    timeframe.TF15s,
		BoundaryTime: t0,
		EmitTime:     t0.Add(15 * time.Second),
	}})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ticks.WithLabelValues("binance", "trade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.unsupported.WithLabelValues("options_chain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.late.WithLabelValues("binance", "1m")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.candles.WithLabelValues("15s")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.emptyCandles.WithLabelValues("15s")))
}

func TestRecorderObserveFlush(t *testing.T) {
	r := NewRecorder()

	r.ObserveFlush(sink.FlushResult{Table: "candles_15s", Rows: 10, Written: 10, Duration: time.Millisecond})
	r.ObserveFlush(sink.FlushResult{Table: "candles_15s", Rows: 4, Err: errors.New("boom")})

	assert.Equal(t, 10.0, testutil.ToFloat64(r.sinkRows.WithLabelValues("candles_15s")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sinkFailures.WithLabelValues("candles_15s")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.sinkDropped.WithLabelValues("candles_15s")))
}

func TestRecorderGauges(t *testing.T) {
	r := NewRecorder()

	r.SetQueueDepth([]int{3, 0})
	r.SetSinkQueues(map[string]sink.TableStats{"trades": {QueuedRows: 7}})
	r.AddDrops(DropMetricPublisher, 2)
	r.AddDrops(DropMetricPublisher, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("0")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.sinkQueued.WithLabelValues("trades")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.drops.WithLabelValues(string(DropMetricPublisher))))
}

func TestRecorderHandlerServesRegistry(t *testing.T) {
	r := NewRecorder()
	r.candles.WithLabelValues("1m").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `candleflow_candles_total{timeframe="1m"} 1`), body)
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestReporterEmitsDropDeltas(t *testing.T) {
	resetMetricHandlers()
	t.Cleanup(resetMetricHandlers)

	drops := map[string]int64{}
	RegisterMetricHandler(func(m Metric) {
		if m.Component == dropComponent {
			drops[m.Name] += m.Value.(int64)
		}
	})

	pstats := pipeline.Stats{Dropped: 2, LateTicks: 1, Malformed: 2, QueueDepth: []int{1}}
	pubStats := writer.PublisherStats{Dropped: 1}
	sinkStats := map[string]sink.TableStats{"trades": {DroppedRows: 5, FailedBatches: 1}}
	rec := NewRecorder()
	rep := NewReporter(rec, Sources{
		Pipeline:  func() pipeline.Stats { return pstats },
		Sink:      func() map[string]sink.TableStats { return sinkStats },
		Publisher: func() writer.PublisherStats { return pubStats },
		Channels:  channel.NewChannels(1),
	})

	rep.Report()
	pstats.Dropped = 5
	pstats.Malformed = 3
	rep.Report()

	assert.Equal(t, int64(5), drops[string(DropMetricShardQueue)])
	assert.Equal(t, int64(1), drops[string(DropMetricLateTick)])
	assert.Equal(t, int64(3), drops[string(DropMetricMalformed)])
	assert.Equal(t, int64(1), drops[string(DropMetricPublisher)])
	assert.Equal(t, int64(5), drops[string(DropMetricSinkRows)])
	assert.Zero(t, drops[string(DropMetricTickChannel)])

	assert.Equal(t, 5.0, testutil.ToFloat64(rec.drops.WithLabelValues(string(DropMetricShardQueue))))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.drops.WithLabelValues(string(DropMetricMalformed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.queueDepth.WithLabelValues("0")))
}

func TestEmitDropMetricSkipsZero(t *testing.T) {
	resetMetricHandlers()
	t.Cleanup(resetMetricHandlers)

	var got []Metric
	RegisterMetricHandler(func(m Metric) { got = append(got, m) })

	EmitDropMetric(nil, DropMetricTickChannel, 0, "binance", "BTCUSDT", "reader")
	EmitDropMetric(nil, DropMetricTickChannel, 3, "binance", "BTCUSDT", "reader")

	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Value)
	assert.Equal(t, "binance", got[0].Fields["exchange"])
	assert.Equal(t, "reader", got[0].Fields["stage"])
}

func TestReportSinkRespectsFeature(t *testing.T) {
	resetMetricHandlers()
	t.Cleanup(resetMetricHandlers)

	count := 0
	RegisterMetricHandler(func(Metric) { count++ })

	Configure(configWith(false))
	ReportSink(logger.GetLogger(), map[string]sink.TableStats{"trades": {}})
	assert.Zero(t, count)

	Configure(configWith(true))
	ReportSink(logger.GetLogger(), map[string]sink.TableStats{"trades": {}})
	assert.Equal(t, 4, count)
}

func TestEmitChannelSizes(t *testing.T) {
	resetMetricHandlers()
	t.Cleanup(resetMetricHandlers)

	names := map[string]interface{}{}
	RegisterMetricHandler(func(m Metric) { names[m.Name] = m.Value })

	ch := channel.NewChannels(4)
	ch.Ticks <- models.Tick{}
	rec := NewRecorder()
	emitChannelSizes(logger.GetLogger(), ch, func() []int { return []int{2} }, rec)

	assert.Equal(t, 1, names["tick_buffer_length"])
	assert.Equal(t, 2, names["shard_queue_depth"])
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.queueDepth.WithLabelValues("0")))
}

func configWith(enabled bool) config.MetricsConfig {
	return config.MetricsConfig{ChannelSize: true, SinkReport: enabled}
}
