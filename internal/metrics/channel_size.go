package metrics

import (
	"context"
	"strconv"
	"time"

	"candleflow/internal/channel"
	"candleflow/logger"
)

const channelComponent = "channel_buffers"

// QueueDepths reports the current backlog of each pipeline shard.
type QueueDepths func() []int

// StartChannelSizeMetrics emits occupancy metrics for the tick channel and
// the shard queues every interval until the context is cancelled. When
// interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, queues QueueDepths, rec *Recorder, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil && queues == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitChannelSizes(log, channels, queues, rec)
			}
		}
	}()
}

func emitChannelSizes(log *logger.Log, channels *channel.Channels, queues QueueDepths, rec *Recorder) {
	if channels != nil {
		EmitMetric(log, channelComponent, "tick_buffer_length", len(channels.Ticks), "gauge", logger.Fields{
			"buffer":   "ticks",
			"capacity": cap(channels.Ticks),
		})
	}
	if queues == nil {
		return
	}
	depths := queues()
	total := 0
	for i, d := range depths {
		total += d
		EmitMetric(log, channelComponent, "shard_queue_depth", d, "gauge", logger.Fields{
			"shard": strconv.Itoa(i),
		})
	}
	if rec != nil {
		rec.SetQueueDepth(depths)
	}
	if total > 0 {
		log.WithComponent(channelComponent).WithFields(logger.Fields{
			"shards": len(depths),
			"queued": total,
		}).Debug("shard backlog")
	}
}
