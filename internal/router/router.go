// Package router decides which processor handles each tick category and
// derives categories that have no native feed from ones that do.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"candleflow/internal/models"
	"candleflow/logger"
)

// ErrUnsupportedCategory is returned when neither a direct nor a fallback
// processor exists for a category.
var ErrUnsupportedCategory = errors.New("unsupported category")

// Source tells whether a category comes straight from the feed or is
// derived from another category.
type Source string

const (
	SourceDirect   Source = "direct"
	SourceFallback Source = "fallback"
)

// DefaultLiquidationMinAmount is the trade size above which a trade is
// treated as a liquidation when no liquidation feed is configured.
const DefaultLiquidationMinAmount = 10.0

// Config lists the categories the feed provides natively.
type Config struct {
	Direct []models.Category
	// LiquidationMinAmount is the strict lower bound on trade amount for the
	// trade to liquidation fallback.
	LiquidationMinAmount float64
}

// Processor handles one output category. From is the input category it
// consumes; for direct processors From equals Category.
type Processor struct {
	Category models.Category
	From     models.Category
	Source   Source

	transform func(models.Tick) (models.Tick, bool)
}

// Apply converts the input tick. It reports false when the tick produces no
// output, e.g. a trade below the liquidation threshold.
func (p Processor) Apply(t models.Tick) (models.Tick, bool) {
	if t.Category() != p.From {
		return models.Tick{}, false
	}
	return p.transform(t)
}

type fallbackRule struct {
	from      models.Category
	transform func(cfg Config) func(models.Tick) (models.Tick, bool)
}

// fallbacks is the static one hop derivation table.
var fallbacks = map[models.Category]fallbackRule{
	models.CategoryLiquidation: {
		from: models.CategoryTrade,
		transform: func(cfg Config) func(models.Tick) (models.Tick, bool) {
			return func(t models.Tick) (models.Tick, bool) {
				return liquidationFromTrade(t, cfg.LiquidationMinAmount)
			}
		},
	},
	models.CategoryFundingRate: {
		from: models.CategoryDerivativeTicker,
		transform: func(Config) func(models.Tick) (models.Tick, bool) {
			return fundingFromTicker
		},
	},
}

// Router is immutable after construction and safe for concurrent use.
type Router struct {
	cfg        Config
	direct     map[models.Category]bool
	processors map[models.Category]Processor
	consumers  map[models.Category][]Processor
	log        *logger.Entry

	routed      atomic.Int64
	derived     atomic.Int64
	unsupported atomic.Int64
}

// New builds the routing table. Unknown categories in cfg.Direct are an
// error.
func New(cfg Config) (*Router, error) {
	if cfg.LiquidationMinAmount <= 0 {
		cfg.LiquidationMinAmount = DefaultLiquidationMinAmount
	}
	r := &Router{
		cfg:        cfg,
		direct:     make(map[models.Category]bool, len(cfg.Direct)),
		processors: make(map[models.Category]Processor),
		consumers:  make(map[models.Category][]Processor),
		log:        logger.GetLogger().WithComponent("router"),
	}
	for _, c := range cfg.Direct {
		if _, err := models.ParseCategory(string(c)); err != nil {
			return nil, err
		}
		r.direct[c] = true
	}

	for _, c := range models.Categories() {
		p, err := r.resolve(c)
		if err != nil {
			continue
		}
		r.processors[c] = p
		r.consumers[p.From] = append(r.consumers[p.From], p)
	}
	for from := range r.consumers {
		ps := r.consumers[from]
		sort.Slice(ps, func(i, j int) bool { return ps[i].Category < ps[j].Category })
	}

	fields := logger.Fields{}
	for c, p := range r.processors {
		fields[string(c)] = string(p.Source)
	}
	r.log.WithFields(fields).Info("routing table built")
	return r, nil
}

func (r *Router) resolve(c models.Category) (Processor, error) {
	if r.direct[c] {
		return Processor{Category: c, From: c, Source: SourceDirect, transform: identity}, nil
	}
	rule, ok := fallbacks[c]
	if ok && r.direct[rule.from] {
		return Processor{Category: c, From: rule.from, Source: SourceFallback, transform: rule.transform(r.cfg)}, nil
	}
	return Processor{}, fmt.Errorf("%w: %s", ErrUnsupportedCategory, c)
}

// GetProcessor returns the direct processor for c when the feed provides it,
// otherwise the fallback processor, otherwise ErrUnsupportedCategory.
func (r *Router) GetProcessor(c models.Category) (Processor, error) {
	if p, ok := r.processors[c]; ok {
		return p, nil
	}
	return Processor{}, fmt.Errorf("%w: %s", ErrUnsupportedCategory, c)
}

// Route returns every tick produced from t: the tick itself when its
// category is handled directly plus any derived ticks.
func (r *Router) Route(t models.Tick) ([]models.Tick, error) {
	ps := r.consumers[t.Category()]
	if len(ps) == 0 {
		r.unsupported.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCategory, t.Category())
	}
	out := make([]models.Tick, 0, len(ps))
	for _, p := range ps {
		if derived, ok := p.Apply(t); ok {
			out = append(out, derived)
			if p.Source == SourceFallback {
				r.derived.Add(1)
			}
		}
	}
	r.routed.Add(1)
	return out, nil
}

// Stats are cumulative routing counters.
type Stats struct {
	Routed      int64
	Derived     int64
	Unsupported int64
}

func (r *Router) Stats() Stats {
	return Stats{
		Routed:      r.routed.Load(),
		Derived:     r.derived.Load(),
		Unsupported: r.unsupported.Load(),
	}
}

func identity(t models.Tick) (models.Tick, bool) { return t, true }

func liquidationFromTrade(t models.Tick, minAmount float64) (models.Tick, bool) {
	tr, ok := t.Payload.(models.Trade)
	if !ok || tr.Amount <= minAmount {
		return models.Tick{}, false
	}
	out := t
	out.Payload = models.Liquidation{
		ID:      tr.ID,
		Price:   tr.Price,
		Amount:  tr.Amount,
		Side:    tr.Side,
		Derived: true,
	}
	return out, true
}

func fundingFromTicker(t models.Tick) (models.Tick, bool) {
	dt, ok := t.Payload.(models.DerivativeTicker)
	if !ok || !dt.HasFunding {
		return models.Tick{}, false
	}
	out := t
	out.Payload = models.FundingRate{
		Rate:            dt.FundingRate,
		PredictedRate:   dt.PredictedFundingRate,
		MarkPrice:       dt.MarkPrice,
		NextFundingTime: dt.NextFundingTime,
		Derived:         true,
	}
	return out, true
}
