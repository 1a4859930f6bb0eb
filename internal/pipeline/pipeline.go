package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"candleflow/internal/candle"
	"candleflow/internal/feature"
	"candleflow/internal/models"
	"candleflow/internal/router"
	"candleflow/internal/timeframe"
	"candleflow/logger"
)

// ErrStopped is returned by Submit once the pipeline is stopping.
var ErrStopped = errors.New("pipeline stopped")

// Enqueuer accepts rows for a table. *sink.Sink satisfies it.
type Enqueuer interface {
	Enqueue(table string, rows []models.Row) int
}

// Publisher receives merged candle rows on the serve path.
type Publisher interface {
	Publish(row models.Row) bool
}

// Observer is notified from shard goroutines and must not block.
type Observer interface {
	TickReceived(t models.Tick)
	TickUnsupported(t models.Tick)
	TickLate(err *candle.LateTickError)
	CandleEmitted(e models.Emission)
}

type Config struct {
	Shards    int
	QueueSize int
	Candle    candle.Config
	// HistoryDepth bounds the per-key feature history.
	HistoryDepth int
	// CloseInterval drives wall clock closing. Ignored with EventClock.
	CloseInterval time.Duration
	// EventClock stamps candles with boundary+duration instead of wall time
	// and closes buckets only when a later tick arrives.
	EventClock bool
	// PersistRaw writes routed ticks to their category table.
	PersistRaw bool
	// DenseFeatures writes every feature column, absent ones as nil.
	DenseFeatures bool
}

func (c *Config) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = feature.DefaultHistoryDepth
	}
}

// Stats are cumulative counters across every shard.
type Stats struct {
	Submitted   int64        `json:"submitted"`
	Dropped     int64        `json:"dropped"`
	Processed   int64        `json:"processed"`
	Unsupported int64        `json:"unsupported"`
	LateTicks   int64        `json:"late_ticks"`
	Malformed   int64        `json:"malformed"`
	Candles     int64        `json:"candles"`
	RawRows     int64        `json:"raw_rows"`
	Published   int64        `json:"published"`
	Features    int64        `json:"features"`
	QueueDepth  []int        `json:"queue_depth"`
	Aggregator  candle.Stats `json:"aggregator"`
}

type shard struct {
	id       int
	queue    chan models.Tick
	agg      *candle.Aggregator
	features *feature.Engine
}

// Pipeline fans ticks out to shards keyed by exchange and symbol. Each shard
// owns its aggregator and feature engine so no aggregation state is shared.
type Pipeline struct {
	cfg       Config
	router    *router.Router
	sink      Enqueuer
	publisher Publisher
	observer  Observer
	now       func() time.Time
	log       *logger.Entry

	shards []*shard
	schema map[timeframe.Timeframe][]string

	mu      sync.RWMutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	wg      sync.WaitGroup

	submitted   atomic.Int64
	dropped     atomic.Int64
	processed   atomic.Int64
	unsupported atomic.Int64
	lateTicks   atomic.Int64
	malformed   atomic.Int64
	candles     atomic.Int64
	rawRows     atomic.Int64
	published   atomic.Int64
}

type Option func(*Pipeline)

// WithPublisher enables the serve path.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithObserver(o Observer) Option {
	return func(pl *Pipeline) { pl.observer = o }
}

// WithClock sets the wall clock used for closing and emit times.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// New builds the shards. Either sink or a publisher must be present.
func New(cfg Config, rt *router.Router, sink Enqueuer, opts ...Option) (*Pipeline, error) {
	if rt == nil {
		return nil, fmt.Errorf("router is required")
	}
	cfg.applyDefaults()
	if cfg.HistoryDepth < feature.MinHistoryDepth {
		return nil, fmt.Errorf("history depth %d is below the minimum of %d", cfg.HistoryDepth, feature.MinHistoryDepth)
	}
	p := &Pipeline{
		cfg:    cfg,
		router: rt,
		sink:   sink,
		now:    time.Now,
		log:    logger.GetLogger().WithComponent("pipeline"),
		schema: make(map[timeframe.Timeframe][]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sink == nil && p.publisher == nil {
		return nil, fmt.Errorf("pipeline needs a sink or a publisher")
	}
	if cfg.DenseFeatures {
		for _, tf := range cfg.Candle.FeatureTimeframes {
			p.schema[tf] = feature.Names()
		}
	}

	for i := 0; i < cfg.Shards; i++ {
		eng := feature.NewEngine(feature.Config{HistoryDepth: cfg.HistoryDepth})
		var features candle.FeatureComputer
		if len(cfg.Candle.FeatureTimeframes) > 0 {
			features = eng
		}
		aggOpts := []candle.Option{
			candle.WithClock(p.now),
			candle.WithLogger(p.log.WithFields(logger.Fields{"shard": i})),
		}
		if cfg.EventClock {
			aggOpts = append(aggOpts, candle.WithEventClock())
		}
		agg, err := candle.New(cfg.Candle, features, aggOpts...)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		p.shards = append(p.shards, &shard{
			id:       i,
			queue:    make(chan models.Tick, cfg.QueueSize),
			agg:      agg,
			features: eng,
		})
	}
	return p, nil
}

// Start launches one goroutine per shard.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}
	if p.stopped {
		return ErrStopped
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = ctx.Done()
	p.running = true

	p.log.WithFields(logger.Fields{
		"shards":      len(p.shards),
		"queue_size":  p.cfg.QueueSize,
		"event_clock": p.cfg.EventClock,
		"persist_raw": p.cfg.PersistRaw,
	}).Info("starting pipeline")

	for _, s := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, s)
	}
	return nil
}

// Stop cancels the shards, drains what is already queued and flushes every
// open candle. It waits for the shards or for ctx, whichever comes first.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
	st := p.Stats()
	p.log.WithFields(logger.Fields{
		"processed":  st.Processed,
		"candles":    st.Candles,
		"late_ticks": st.LateTicks,
	}).Info("pipeline stopped")
	return nil
}

func (p *Pipeline) shardFor(t models.Tick) *shard {
	h := fnv.New32a()
	h.Write([]byte(t.Exchange))
	h.Write([]byte{':'})
	h.Write([]byte(t.Symbol))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Submit blocks until the tick is queued. Used by replay where nothing may
// be lost.
func (p *Pipeline) Submit(ctx context.Context, t models.Tick) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	s := p.shardFor(t)
	select {
	case s.queue <- t:
		p.submitted.Add(1)
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues the tick without blocking and reports whether it was
// accepted. Live readers use it so a slow shard never stalls a socket.
func (p *Pipeline) TrySubmit(t models.Tick) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.shardFor(t).queue <- t:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Consume submits every tick from in until it is closed or ctx is done.
func (p *Pipeline) Consume(ctx context.Context, in <-chan models.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.Submit(ctx, t); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
					return nil
				}
				return err
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, s *shard) {
	defer p.wg.Done()

	var tick <-chan time.Time
	if !p.cfg.EventClock && p.cfg.CloseInterval > 0 {
		t := time.NewTicker(p.cfg.CloseInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drain(s)
			return
		case t := <-s.queue:
			p.handle(s, t)
		case <-tick:
			p.emit(s.agg.CloseDue(p.now()))
		}
	}
}

// drain handles what is left in the queue and flushes open candles.
func (p *Pipeline) drain(s *shard) {
	for {
		select {
		case t := <-s.queue:
			p.handle(s, t)
		default:
			out := s.agg.Flush()
			p.emit(out)
			p.log.WithFields(logger.Fields{
				"shard":   s.id,
				"flushed": len(out),
			}).Debug("shard drained")
			return
		}
	}
}

func (p *Pipeline) handle(s *shard, t models.Tick) {
	p.processed.Add(1)
	if p.observer != nil {
		p.observer.TickReceived(t)
	}
	if err := validatePayload(t); err != nil {
		p.malformed.Add(1)
		p.log.WithError(err).WithMarket(t.Exchange, t.Symbol).Debug("dropping malformed tick")
		return
	}

	routed, err := p.router.Route(t)
	if err != nil {
		p.unsupported.Add(1)
		if p.observer != nil {
			p.observer.TickUnsupported(t)
		}
		p.log.WithError(err).WithMarket(t.Exchange, t.Symbol).Debug("dropping tick")
		return
	}

	for _, rt := range routed {
		if p.cfg.PersistRaw && p.sink != nil {
			p.rawRows.Add(int64(p.sink.Enqueue(RawTable(rt.Category()), []models.Row{rt.Row()})))
		}
		if rt.Category() != models.CategoryTrade {
			continue
		}
		out, err := s.agg.Process(rt)
		var late *candle.LateTickError
		if errors.As(err, &late) {
			p.lateTicks.Add(1)
			if p.observer != nil {
				p.observer.TickLate(late)
			}
		} else if err != nil {
			p.log.WithError(err).Warn("aggregation failed")
		}
		p.emit(out)
	}
}

// validatePayload rejects trades and liquidations with unusable numbers
// before they reach raw tables or the aggregator.
func validatePayload(t models.Tick) error {
	switch pl := t.Payload.(type) {
	case models.Trade:
		return pl.Validate()
	case models.Liquidation:
		return pl.Validate()
	}
	return nil
}

func (p *Pipeline) emit(out []models.Emission) {
	if len(out) == 0 {
		return
	}
	byTable := make(map[string][]models.Row)
	var order []string
	for _, e := range out {
		row := e.Row(p.schema[e.Candle.Timeframe])
		table := CandleTable(e.Candle.Timeframe)
		if _, ok := byTable[table]; !ok {
			order = append(order, table)
		}
		byTable[table] = append(byTable[table], row)
		p.candles.Add(1)
		if p.publisher != nil && p.publisher.Publish(row) {
			p.published.Add(1)
		}
		if p.observer != nil {
			p.observer.CandleEmitted(e)
		}
	}
	if p.sink == nil {
		return
	}
	for _, table := range order {
		p.sink.Enqueue(table, byTable[table])
	}
}

// Stats sums shard counters. Safe for concurrent use.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Submitted:   p.submitted.Load(),
		Dropped:     p.dropped.Load(),
		Processed:   p.processed.Load(),
		Unsupported: p.unsupported.Load(),
		LateTicks:   p.lateTicks.Load(),
		Malformed:   p.malformed.Load(),
		Candles:     p.candles.Load(),
		RawRows:     p.rawRows.Load(),
		Published:   p.published.Load(),
		QueueDepth:  make([]int, len(p.shards)),
	}
	for i, s := range p.shards {
		st.QueueDepth[i] = len(s.queue)
		st.Features += s.features.Computed()
		as := s.agg.Stats()
		st.Aggregator.Trades += as.Trades
		st.Aggregator.LateTicks += as.LateTicks
		st.Aggregator.Malformed += as.Malformed
		st.Aggregator.Candles += as.Candles
		st.Aggregator.EmptyCandles += as.EmptyCandles
		st.Aggregator.FeatureFailures += as.FeatureFailures
		st.Aggregator.OpenBuilders += as.OpenBuilders
	}
	return st
}
