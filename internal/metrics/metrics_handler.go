package metrics

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"candleflow/config"
	"candleflow/logger"
)

// Metric is one emitted measurement. Fields holds caller supplied
// dimensions such as table or exchange.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

type MetricHandler func(Metric)

type MetricHandlerID uint64

// Feature groups metrics that can be switched off from configuration.
type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
	FeatureSinkReport  Feature = "sink_report"
)

var features = map[Feature]*atomic.Bool{
	FeatureChannelSize: enabledFlag(),
	FeatureSinkReport:  enabledFlag(),
}

func enabledFlag() *atomic.Bool {
	b := new(atomic.Bool)
	b.Store(true)
	return b
}

// Configure applies the metric feature switches.
func Configure(cfg config.MetricsConfig) {
	features[FeatureChannelSize].Store(cfg.ChannelSize)
	features[FeatureSinkReport].Store(cfg.SinkReport)
}

// IsFeatureEnabled is true for unknown features.
func IsFeatureEnabled(f Feature) bool {
	flag, ok := features[f]
	return !ok || flag.Load()
}

// gatedBy maps a metric onto the feature switch that controls it.
func gatedBy(component, name string) Feature {
	switch {
	case strings.HasSuffix(name, "_buffer_length"), strings.HasSuffix(name, "_queue_depth"):
		return FeatureChannelSize
	case component == sinkComponent:
		return FeatureSinkReport
	}
	return ""
}

// handlerSet fans metrics out to registered handlers in registration order.
type handlerSet struct {
	mu   sync.RWMutex
	last MetricHandlerID
	byID map[MetricHandlerID]MetricHandler
}

var metricHandlers = &handlerSet{byID: map[MetricHandlerID]MetricHandler{}}

func (h *handlerSet) add(fn MetricHandler) MetricHandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last++
	h.byID[h.last] = fn
	return h.last
}

func (h *handlerSet) remove(id MetricHandlerID) {
	h.mu.Lock()
	delete(h.byID, id)
	h.mu.Unlock()
}

func (h *handlerSet) dispatch(m Metric) {
	h.mu.RLock()
	ids := slices.Sorted(maps.Keys(h.byID))
	fns := make([]MetricHandler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.byID[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
}

// RegisterMetricHandler subscribes fn to every emitted metric. A nil fn
// yields the zero ID.
func RegisterMetricHandler(fn MetricHandler) MetricHandlerID {
	if fn == nil {
		return 0
	}
	return metricHandlers.add(fn)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		metricHandlers.remove(id)
	}
}

// recordMetric logs the metric at debug and hands it to the registered
// handlers. It reports false when the name is empty or the metric's
// feature is disabled.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if f := gatedBy(component, name); f != "" && !IsFeatureEnabled(f) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    logger.Fields{},
	}
	maps.Copy(m.Fields, fields)

	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	}).Debug("metric")

	metricHandlers.dispatch(m)
	return m, true
}
