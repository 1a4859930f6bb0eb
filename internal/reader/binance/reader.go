package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"

	appconfig "candleflow/config"
	"candleflow/internal/channel"
	"candleflow/internal/models"
	"candleflow/internal/symbols"
	"candleflow/logger"
)

const exchange = "binance"

// serveFunc opens one websocket subscription. It matches the go-binance
// Ws*Serve helpers once their handler is bound.
type serveFunc func(symbol string) (doneC, stopC chan struct{}, err error)

// Reader streams aggregate trades, mark prices and liquidation orders from
// the Binance USD-M futures websocket API and forwards them as ticks.
type Reader struct {
	config   appconfig.BinanceSourceConfig
	channels *channel.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	now      func() time.Time

	aggTradeServe    func(string, futures.WsAggTradeHandler, futures.ErrHandler) (chan struct{}, chan struct{}, error)
	markPriceServe   func(string, futures.WsMarkPriceHandler, futures.ErrHandler) (chan struct{}, chan struct{}, error)
	liquidationServe func(string, futures.WsLiquidationOrderHandler, futures.ErrHandler) (chan struct{}, chan struct{}, error)
}

func NewReader(cfg appconfig.BinanceSourceConfig, ch *channel.Channels) *Reader {
	return &Reader{
		config:           cfg,
		channels:         ch,
		log:              logger.GetLogger(),
		now:              time.Now,
		aggTradeServe:    futures.WsAggTradeServe,
		markPriceServe:   futures.WsMarkPriceServe,
		liquidationServe: futures.WsLiquidationOrderServe,
	}
}

// Start launches one subscription per symbol and stream. Subscriptions are
// restarted automatically until the context is cancelled or Stop is called.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance reader already running")
	}
	if !r.config.Enabled {
		r.mu.Unlock()
		return fmt.Errorf("binance source disabled")
	}
	if len(r.config.Symbols) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no symbols configured for binance reader")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"operation": "start"})

	streams := 0
	for _, symbol := range r.config.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(symbol))
		if sym == "" {
			continue
		}
		if r.config.Trades {
			r.launch(sym, "aggTrade", r.bindAggTrade(sym))
			streams++
		}
		if r.config.MarkPrice {
			r.launch(sym, "markPrice", r.bindMarkPrice(sym))
			streams++
		}
		if r.config.Liquidations {
			r.launch(sym, "forceOrder", r.bindLiquidation(sym))
			streams++
		}
	}

	log.WithFields(logger.Fields{
		"symbols": strings.Join(r.config.Symbols, ","),
		"streams": streams,
	}).Info("binance reader started")
	return nil
}

// Stop cancels every subscription and waits for the workers.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

func (r *Reader) errHandler(log *logger.Entry) futures.ErrHandler {
	return func(err error) {
		if err != nil && r.ctx.Err() == nil {
			log.WithError(err).Warn("websocket error")
		}
	}
}

func (r *Reader) bindAggTrade(symbol string) serveFunc {
	log := r.streamLog(symbol, "aggTrade")
	handler := func(event *futures.WsAggTradeEvent) {
		tick, err := tradeTick(event, r.now())
		if err != nil {
			log.WithError(err).Warn("invalid aggTrade event")
			return
		}
		r.forward(log, tick)
	}
	return func(s string) (chan struct{}, chan struct{}, error) {
		return r.aggTradeServe(s, handler, r.errHandler(log))
	}
}

func (r *Reader) bindMarkPrice(symbol string) serveFunc {
	log := r.streamLog(symbol, "markPrice")
	handler := func(event *futures.WsMarkPriceEvent) {
		tick, err := markPriceTick(event, r.now())
		if err != nil {
			log.WithError(err).Warn("invalid markPrice event")
			return
		}
		r.forward(log, tick)
	}
	return func(s string) (chan struct{}, chan struct{}, error) {
		return r.markPriceServe(s, handler, r.errHandler(log))
	}
}

func (r *Reader) bindLiquidation(symbol string) serveFunc {
	log := r.streamLog(symbol, "forceOrder")
	handler := func(event *futures.WsLiquidationOrderEvent) {
		tick, err := liquidationTick(event, r.now())
		if err != nil {
			log.WithError(err).Warn("invalid forceOrder event")
			return
		}
		r.forward(log, tick)
	}
	return func(s string) (chan struct{}, chan struct{}, error) {
		return r.liquidationServe(s, handler, r.errHandler(log))
	}
}

func (r *Reader) streamLog(symbol, stream string) *logger.Entry {
	return r.log.WithComponent("binance_reader").WithMarket(exchange, symbol).WithFields(logger.Fields{"stream": stream})
}

func (r *Reader) forward(log *logger.Entry, t models.Tick) {
	logger.IncrementTicksRead(exchange, 1)
	if r.channels.SendTick(r.ctx, t) {
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			log.WithFields(logger.Fields{"category": string(t.Category())}).Debug("forwarded tick")
		}
		return
	}
	if r.ctx.Err() == nil {
		log.Debug("tick channel full, dropping tick")
	}
}

func (r *Reader) launch(symbol, stream string, serve serveFunc) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.stream(symbol, r.streamLog(symbol, stream), serve)
	}()
}

// stream keeps one subscription alive until the reader context is done.
func (r *Reader) stream(symbol string, log *logger.Entry, serve serveFunc) {
	delay := r.config.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := serve(symbol)
		if err != nil {
			log.WithError(err).Error("failed to subscribe")
			select {
			case <-time.After(delay):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("stream closed, reconnecting")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func parseFloat(field, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, v, err)
	}
	return f, nil
}

func eventTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// tradeTick converts an aggregate trade. Maker true means the buyer was the
// maker, so the aggressor sold.
func tradeTick(e *futures.WsAggTradeEvent, now time.Time) (models.Tick, error) {
	price, err := parseFloat("price", e.Price)
	if err != nil {
		return models.Tick{}, err
	}
	qty, err := parseFloat("quantity", e.Quantity)
	if err != nil {
		return models.Tick{}, err
	}
	side := models.SideBuy
	if e.Maker {
		side = models.SideSell
	}
	ts := e.TradeTime
	if ts == 0 {
		ts = e.Time
	}
	trade := models.Trade{
		ID:     strconv.FormatInt(e.AggregateTradeID, 10),
		Price:  price,
		Amount: qty,
		Side:   side,
	}
	if err := trade.Validate(); err != nil {
		return models.Tick{}, err
	}
	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, e.Symbol),
		EventTime:  eventTime(ts, now),
		IngestTime: now.UTC(),
		Payload:    trade,
	}, nil
}

func markPriceTick(e *futures.WsMarkPriceEvent, now time.Time) (models.Tick, error) {
	mark, err := parseFloat("mark price", e.MarkPrice)
	if err != nil {
		return models.Tick{}, err
	}
	dt := models.DerivativeTicker{MarkPrice: mark}
	if e.IndexPrice != "" {
		if dt.IndexPrice, err = parseFloat("index price", e.IndexPrice); err != nil {
			return models.Tick{}, err
		}
	}
	if e.FundingRate != "" {
		if dt.FundingRate, err = parseFloat("funding rate", e.FundingRate); err != nil {
			return models.Tick{}, err
		}
		dt.HasFunding = true
	}
	if e.NextFundingTime > 0 {
		dt.NextFundingTime = time.UnixMilli(e.NextFundingTime).UTC()
	}
	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, e.Symbol),
		EventTime:  eventTime(e.Time, now),
		IngestTime: now.UTC(),
		Payload:    dt,
	}, nil
}

func liquidationTick(e *futures.WsLiquidationOrderEvent, now time.Time) (models.Tick, error) {
	o := e.LiquidationOrder
	price, err := parseFloat("price", o.AvgPrice)
	if err != nil || price == 0 {
		if price, err = parseFloat("price", o.Price); err != nil {
			return models.Tick{}, err
		}
	}
	qty, err := parseFloat("quantity", o.OrigQuantity)
	if err != nil {
		return models.Tick{}, err
	}
	ts := o.TradeTime
	if ts == 0 {
		ts = e.Time
	}
	liq := models.Liquidation{
		ID:     fmt.Sprintf("%s-%d", o.Symbol, ts),
		Price:  price,
		Amount: qty,
		Side:   models.ParseSide(string(o.Side)),
	}
	if err := liq.Validate(); err != nil {
		return models.Tick{}, err
	}
	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, o.Symbol),
		EventTime:  eventTime(ts, now),
		IngestTime: now.UTC(),
		Payload:    liq,
	}, nil
}
