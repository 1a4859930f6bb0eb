package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "candleflow/config"
	"candleflow/internal/channel"
	"candleflow/internal/models"
	"candleflow/internal/symbols"
	"candleflow/logger"
)

const exchange = "bybit"

// Reader subscribes to Bybit v5 public trades and linear tickers and
// forwards them as ticks.
type Reader struct {
	config   appconfig.BybitSourceConfig
	channels *channel.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	now      func() time.Time

	tickersMu sync.Mutex
	tickers   map[string]bybitTickerEntry
}

func NewReader(cfg appconfig.BybitSourceConfig, ch *channel.Channels) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		log:      logger.GetLogger(),
		now:      time.Now,
		tickers:  make(map[string]bybitTickerEntry),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("bybit reader already running")
	}
	if !r.config.Enabled {
		return fmt.Errorf("bybit source disabled")
	}
	topics := r.topics()
	if len(topics) == 0 {
		return fmt.Errorf("no bybit topics configured")
	}
	if r.config.URL == "" {
		return fmt.Errorf("bybit websocket url is empty")
	}

	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	log := r.log.WithComponent("bybit_reader")
	opts := wsOptions{
		url:            r.config.URL,
		topics:         topics,
		reconnectDelay: r.config.ReconnectDelay,
		pingInterval:   r.config.PingInterval,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runBybitWebSocket(r.ctx, opts, log, r.handleMessage)
	}()

	log.WithFields(logger.Fields{
		"url":    r.config.URL,
		"topics": strings.Join(topics, ","),
	}).Info("bybit reader started")
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("bybit_reader").Info("stopping bybit reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("bybit_reader").Info("bybit reader stopped")
}

func (r *Reader) topics() []string {
	var topics []string
	for _, s := range r.config.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if r.config.Trades {
			topics = append(topics, "publicTrade."+sym)
		}
		if r.config.Tickers {
			topics = append(topics, "tickers."+sym)
		}
	}
	return topics
}

func (r *Reader) handleMessage(msg []byte) error {
	ticks, err := r.decode(msg)
	log := r.log.WithComponent("bybit_reader")
	if err != nil {
		log.WithError(err).Warn("failed to decode bybit message")
		if len(ticks) == 0 {
			return err
		}
	}
	for _, t := range ticks {
		logger.IncrementTicksRead(exchange, len(msg))
		if !r.channels.SendTick(r.ctx, t) && r.ctx.Err() == nil {
			log.WithMarket(exchange, t.Symbol).Debug("tick channel full, dropping tick")
		}
	}
	return nil
}

// decode turns one websocket frame into ticks. Control frames such as
// subscription acks and pongs yield no ticks.
func (r *Reader) decode(msg []byte) ([]models.Tick, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("bybit %s rejected: %s", env.Op, env.RetMsg)
		}
		return nil, nil
	}
	switch {
	case strings.HasPrefix(env.Topic, "publicTrade."):
		var trades []bybitTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return nil, fmt.Errorf("decode trades: %w", err)
		}
		now := r.now()
		ticks := make([]models.Tick, 0, len(trades))
		var errs []error
		for _, tr := range trades {
			tick, err := tradeTick(tr, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("trade %s: %w", tr.ID, err))
				continue
			}
			ticks = append(ticks, tick)
		}
		return ticks, errors.Join(errs...)
	case strings.HasPrefix(env.Topic, "tickers."):
		var entry bybitTickerEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		merged := r.mergeTicker(env.Type, entry)
		tick, err := tickerTick(merged, env.Ts, r.now())
		if err != nil {
			return nil, err
		}
		return []models.Tick{tick}, nil
	}
	return nil, nil
}

func (r *Reader) mergeTicker(kind string, entry bybitTickerEntry) bybitTickerEntry {
	r.tickersMu.Lock()
	defer r.tickersMu.Unlock()
	cur := r.tickers[entry.Symbol]
	if kind == "snapshot" {
		cur = bybitTickerEntry{}
	}
	cur.merge(entry)
	r.tickers[entry.Symbol] = cur
	return cur
}

func tradeTick(tr bybitTrade, now time.Time) (models.Tick, error) {
	price, err := strconv.ParseFloat(tr.Price, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse price %q: %w", tr.Price, err)
	}
	size, err := strconv.ParseFloat(tr.Size, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse size %q: %w", tr.Size, err)
	}
	trade := models.Trade{
		ID:     tr.ID,
		Price:  price,
		Amount: size,
		Side:   models.ParseSide(tr.Side),
	}
	if err := trade.Validate(); err != nil {
		return models.Tick{}, err
	}
	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, tr.Symbol),
		EventTime:  msTime(tr.Time, now),
		IngestTime: now.UTC(),
		Payload:    trade,
	}, nil
}

func tickerTick(e bybitTickerEntry, ts int64, now time.Time) (models.Tick, error) {
	var dt models.DerivativeTicker
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"lastPrice", e.LastPrice, &dt.LastPrice},
		{"markPrice", e.MarkPrice, &dt.MarkPrice},
		{"indexPrice", e.IndexPrice, &dt.IndexPrice},
		{"openInterest", e.OpenInterest, &dt.OpenInterest},
		{"fundingRate", e.FundingRate, &dt.FundingRate},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return models.Tick{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	dt.HasFunding = e.FundingRate != ""
	if e.NextFundingTime != "" {
		ms, err := strconv.ParseInt(e.NextFundingTime, 10, 64)
		if err != nil {
			return models.Tick{}, fmt.Errorf("parse nextFundingTime %q: %w", e.NextFundingTime, err)
		}
		dt.NextFundingTime = time.UnixMilli(ms).UTC()
	}
	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, e.Symbol),
		EventTime:  msTime(ts, now),
		IngestTime: now.UTC(),
		Payload:    dt,
	}, nil
}

func msTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}
