package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"candleflow/internal/channel"
	"candleflow/internal/pipeline"
	"candleflow/internal/sink"
	"candleflow/internal/writer"
	"candleflow/logger"
)

const (
	pipelineComponent = "pipeline"
	sinkComponent     = "batch_sink"
)

// ReportPipeline emits the pipeline counters using the provided logger.
func ReportPipeline(log *logger.Log, stats pipeline.Stats) {
	l := log.WithComponent(pipelineComponent)

	lateRate := float64(0)
	if stats.Aggregator.Trades > 0 {
		lateRate = float64(stats.LateTicks) / float64(stats.Aggregator.Trades)
	}
	queued := 0
	for _, d := range stats.QueueDepth {
		queued += d
	}

	EmitMetric(log, pipelineComponent, "processed", stats.Processed, "counter", nil)
	EmitMetric(log, pipelineComponent, "candles", stats.Candles, "counter", nil)
	EmitMetric(log, pipelineComponent, "late_ticks", stats.LateTicks, "counter", nil)
	EmitMetric(log, pipelineComponent, "unsupported", stats.Unsupported, "counter", nil)
	EmitMetric(log, pipelineComponent, "dropped", stats.Dropped, "counter", nil)
	EmitMetric(log, pipelineComponent, "malformed", stats.Malformed, "counter", nil)
	EmitMetric(log, pipelineComponent, "late_rate", lateRate, "gauge", logger.Fields{"unit": "percent"})

	entry := l.WithFields(logger.Fields{
		"submitted":        stats.Submitted,
		"processed":        stats.Processed,
		"dropped":          stats.Dropped,
		"unsupported":      stats.Unsupported,
		"late_ticks":       stats.LateTicks,
		"malformed":        stats.Malformed,
		"late_rate":        lateRate,
		"candles":          stats.Candles,
		"empty_candles":    stats.Aggregator.EmptyCandles,
		"open_builders":    stats.Aggregator.OpenBuilders,
		"feature_failures": stats.Aggregator.FeatureFailures,
		"raw_rows":         stats.RawRows,
		"published":        stats.Published,
		"queued":           queued,
	})

	if stats.Dropped > 0 || stats.Malformed > 0 || stats.Aggregator.FeatureFailures > 0 {
		entry.Warn("pipeline metrics")
		return
	}
	entry.Info("pipeline metrics")
}

// ReportSink emits per table sink metrics. Tables are reported in name
// order.
func ReportSink(log *logger.Log, stats map[string]sink.TableStats) {
	if !IsFeatureEnabled(FeatureSinkReport) {
		return
	}
	tables := make([]string, 0, len(stats))
	for t := range stats {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var failed int64
	for _, table := range tables {
		st := stats[table]
		fields := logger.Fields{"table": table}
		EmitMetric(log, sinkComponent, "rows_written", st.CumulativeRows, "counter", fields)
		EmitMetric(log, sinkComponent, "failed_batches", st.FailedBatches, "counter", fields)
		EmitMetric(log, sinkComponent, "dropped_rows", st.DroppedRows, "counter", fields)
		EmitMetric(log, sinkComponent, "queued_rows", st.QueuedRows, "gauge", fields)
		failed += st.FailedBatches
	}

	entry := log.WithComponent(sinkComponent).WithFields(logger.Fields{
		"tables":         len(tables),
		"failed_batches": failed,
	})
	if failed > 0 {
		entry.Warn("sink metrics")
		return
	}
	entry.Info("sink metrics")
}

// Sources are the stat providers a Reporter polls. Any of them may be nil.
type Sources struct {
	Pipeline  func() pipeline.Stats
	Sink      func() map[string]sink.TableStats
	Publisher func() writer.PublisherStats
	Channels  *channel.Channels
}

type dropCounts struct {
	tickChannel int64
	shardQueue  int64
	publisher   int64
	late        int64
	malformed   int64
	unsupported int64
	sinkRows    int64
}

// Reporter periodically logs component stats and turns cumulative drop
// counters into per interval drop metrics.
type Reporter struct {
	log *logger.Log
	rec *Recorder
	src Sources

	mu   sync.Mutex
	last dropCounts
}

func NewReporter(rec *Recorder, src Sources) *Reporter {
	return &Reporter{log: logger.GetLogger(), rec: rec, src: src}
}

// Start reports every interval until ctx is done.
func (r *Reporter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Report()
			}
		}
	}()
}

// Report runs one reporting pass.
func (r *Reporter) Report() {
	var cur dropCounts
	if r.src.Pipeline != nil {
		st := r.src.Pipeline()
		ReportPipeline(r.log, st)
		cur.shardQueue = st.Dropped
		cur.late = st.LateTicks
		cur.malformed = st.Malformed
		cur.unsupported = st.Unsupported
		if r.rec != nil {
			r.rec.SetQueueDepth(st.QueueDepth)
		}
	}
	if r.src.Sink != nil {
		st := r.src.Sink()
		ReportSink(r.log, st)
		for _, t := range st {
			cur.sinkRows += t.DroppedRows
		}
		if r.rec != nil {
			r.rec.SetSinkQueues(st)
		}
	}
	if r.src.Publisher != nil {
		st := r.src.Publisher()
		cur.publisher = st.Dropped
		r.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
			"queued":    st.Queued,
			"published": st.Published,
			"dropped":   st.Dropped,
			"failed":    st.Failed,
		}).Info("publisher metrics")
	}
	if r.src.Channels != nil {
		cur.tickChannel = r.src.Channels.GetStats().TicksDropped
	}

	r.mu.Lock()
	prev := r.last
	r.last = cur
	r.mu.Unlock()

	r.emitDrops(DropMetricTickChannel, cur.tickChannel-prev.tickChannel)
	r.emitDrops(DropMetricShardQueue, cur.shardQueue-prev.shardQueue)
	r.emitDrops(DropMetricPublisher, cur.publisher-prev.publisher)
	r.emitDrops(DropMetricLateTick, cur.late-prev.late)
	r.emitDrops(DropMetricMalformed, cur.malformed-prev.malformed)
	r.emitDrops(DropMetricUnsupported, cur.unsupported-prev.unsupported)
	r.emitDrops(DropMetricSinkRows, cur.sinkRows-prev.sinkRows)
}

func (r *Reporter) emitDrops(metric DropMetric, n int64) {
	if n <= 0 {
		return
	}
	EmitDropMetric(r.log, metric, n, "", "", "")
	if r.rec != nil && metric != DropMetricLateTick && metric != DropMetricUnsupported {
		r.rec.AddDrops(metric, n)
	}
}
