package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformedTrade marks a trade or liquidation whose price is not a finite
// positive number or whose amount is not finite and non-negative.
var ErrMalformedTrade = errors.New("malformed trade")

// Category names a class of market data event.
type Category string

const (
	CategoryTrade            Category = "trade"
	CategoryBookSnapshot     Category = "book_snapshot"
	CategoryLiquidation      Category = "liquidation"
	CategoryDerivativeTicker Category = "derivative_ticker"
	CategoryOptionsChain     Category = "options_chain"
	CategoryFundingRate      Category = "funding_rate"
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{
		CategoryTrade,
		CategoryBookSnapshot,
		CategoryLiquidation,
		CategoryDerivativeTicker,
		CategoryOptionsChain,
		CategoryFundingRate,
	}
}

// ParseCategory accepts the canonical lower case names.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Side is the aggressor side of a trade or the side of a liquidated order.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// ParseSide normalizes exchange spellings ("BUY", "Sell", "b").
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid":
		return SideBuy
	case "sell", "s", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// Payload is the closed set of tick bodies. Only types in this package
// implement it.
type Payload interface {
	Category() Category
	isPayload()
}

type Trade struct {
	ID     string
	Price  float64
	Amount float64
	Side   Side
}

// Validate reports ErrMalformedTrade for a non-finite or non-positive price
// and for a non-finite or negative amount.
func (t Trade) Validate() error {
	return validateFill(t.Price, t.Amount)
}

type BookLevel struct {
	Price  float64
	Amount float64
}

type BookSnapshot struct {
	Bids []BookLevel
	Asks []BookLevel
}

// Liquidation is a forced order. Derived is set when the event was inferred
// from an oversized trade instead of read from a liquidation feed.
type Liquidation struct {
	ID      string
	Price   float64
	Amount  float64
	Side    Side
	Derived bool
}

func (l Liquidation) Validate() error {
	return validateFill(l.Price, l.Amount)
}

func validateFill(price, amount float64) error {
	switch {
	case math.IsNaN(price) || math.IsInf(price, 0) || price <= 0:
		return fmt.Errorf("%w: price %v", ErrMalformedTrade, price)
	case math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0:
		return fmt.Errorf("%w: amount %v", ErrMalformedTrade, amount)
	}
	return nil
}

// DerivativeTicker carries perpetual or futures contract state.
type DerivativeTicker struct {
	LastPrice            float64
	MarkPrice            float64
	IndexPrice           float64
	OpenInterest         float64
	FundingRate          float64
	PredictedFundingRate float64
	// HasFunding is false for contracts that do not publish a funding rate.
	HasFunding      bool
	NextFundingTime time.Time
}

type FundingRate struct {
	Rate            float64
	PredictedRate   float64
	MarkPrice       float64
	NextFundingTime time.Time
	Derived         bool
}

type OptionsChain struct {
	OptionType      string
	Strike          float64
	Expiration      time.Time
	OpenInterest    float64
	LastPrice       float64
	BidPrice        float64
	AskPrice        float64
	MarkPrice       float64
	MarkIV          float64
	UnderlyingPrice float64
}

func (Trade) Category() Category            { return CategoryTrade }
func (BookSnapshot) Category() Category     { return CategoryBookSnapshot }
func (Liquidation) Category() Category      { return CategoryLiquidation }
func (DerivativeTicker) Category() Category { return CategoryDerivativeTicker }
func (FundingRate) Category() Category      { return CategoryFundingRate }
func (OptionsChain) Category() Category     { return CategoryOptionsChain }

func (Trade) isPayload()            {}
func (BookSnapshot) isPayload()     {}
func (Liquidation) isPayload()      {}
func (DerivativeTicker) isPayload() {}
func (FundingRate) isPayload()      {}
func (OptionsChain) isPayload()     {}

// Tick is a single immutable market event. EventTime is the authoritative
// source time; IngestTime is only used for latency reporting.
type Tick struct {
	Exchange   string
	Symbol     string
	EventTime  time.Time
	IngestTime time.Time
	Payload    Payload
}

// Category returns the payload category, or "" for a tick without payload.
func (t Tick) Category() Category {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Category()
}

// Trade returns the trade payload when the tick carries one.
func (t Tick) Trade() (Trade, bool) {
	tr, ok := t.Payload.(Trade)
	return tr, ok
}

// Row flattens the tick into a raw table row.
func (t Tick) Row() Row {
	row := Row{
		ColExchange:     t.Exchange,
		ColSymbol:       t.Symbol,
		ColTimestampIn:  t.EventTime.UTC(),
		ColTimestampOut: t.IngestTime.UTC(),
	}
	switch p := t.Payload.(type) {
	case Trade:
		row["trade_id"] = p.ID
		row["price"] = p.Price
		row["amount"] = p.Amount
		row["side"] = string(p.Side)
	case Liquidation:
		row["liquidation_id"] = p.ID
		row["price"] = p.Price
		row["amount"] = p.Amount
		row["side"] = string(p.Side)
		row["derived"] = p.Derived
	case DerivativeTicker:
		row["last_price"] = p.LastPrice
		row["mark_price"] = p.MarkPrice
		row["index_price"] = p.IndexPrice
		row["open_interest"] = p.OpenInterest
		if p.HasFunding {
			row["funding_rate"] = p.FundingRate
			row["predicted_funding_rate"] = p.PredictedFundingRate
		}
		if !p.NextFundingTime.IsZero() {
			row["next_funding_time"] = p.NextFundingTime.UTC()
		}
	case FundingRate:
		row["funding_rate"] = p.Rate
		row["predicted_funding_rate"] = p.PredictedRate
		row["mark_price"] = p.MarkPrice
		row["derived"] = p.Derived
		if !p.NextFundingTime.IsZero() {
			row["next_funding_time"] = p.NextFundingTime.UTC()
		}
	case BookSnapshot:
		row["bid_levels"] = len(p.Bids)
		row["ask_levels"] = len(p.Asks)
		if len(p.Bids) > 0 {
			row["best_bid_price"] = p.Bids[0].Price
			row["best_bid_amount"] = p.Bids[0].Amount
		}
		if len(p.Asks) > 0 {
			row["best_ask_price"] = p.Asks[0].Price
			row["best_ask_amount"] = p.Asks[0].Amount
		}
	case OptionsChain:
		row["option_type"] = p.OptionType
		row["strike"] = p.Strike
		row["expiration"] = p.Expiration.UTC()
		row["open_interest"] = p.OpenInterest
		row["last_price"] = p.LastPrice
		row["bid_price"] = p.BidPrice
		row["ask_price"] = p.AskPrice
		row["mark_price"] = p.MarkPrice
		row["mark_iv"] = p.MarkIV
		row["underlying_price"] = p.UnderlyingPrice
	}
	return row
}
