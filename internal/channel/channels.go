package channel

import (
	"context"
	"sync"

	"candleflow/internal/models"
	"candleflow/logger"
)

type ChannelStats struct {
	TicksSent    int64
	TicksDropped int64
}

// Channels carries normalized ticks from the readers to the pipeline.
type Channels struct {
	Ticks chan models.Tick

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(tickBufferSize int) *Channels {
	if tickBufferSize <= 0 {
		tickBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Ticks: make(chan models.Tick, tickBufferSize),
		log:   log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"tick_buffer_size": tickBufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Ticks)
		c.log.WithComponent("tick_channels").Info("tick channels closed")
	})
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.TicksSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.TicksDropped++
	c.statsMutex.Unlock()
}

// SendTick never blocks. Live readers use it so a slow pipeline sheds load
// instead of stalling the websocket.
func (c *Channels) SendTick(ctx context.Context, t models.Tick) bool {
	select {
	case c.Ticks <- t:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementDropped()
		return false
	}
}

// Send blocks until the tick is accepted or ctx is done. Replay uses it so
// no historical tick is lost.
func (c *Channels) Send(ctx context.Context, t models.Tick) bool {
	select {
	case c.Ticks <- t:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
