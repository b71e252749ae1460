package metrics

import (
	"sort"
	"sync"
	"time"

	"tokenfeed/logger"
)

// Metric is one structured metric event. Fields carry the dimensions, most
// importantly "client" for per-connection metrics and "unit" for CloudWatch.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Client returns the client dimension of the metric, if any.
func (m Metric) Client() string {
	c, _ := m.Fields["client"].(string)
	return c
}

// Float returns the value as float64 when it is numeric.
func (m Metric) Float() (float64, bool) {
	return toFloat64(m.Value)
}

// MetricHandler consumes emitted metrics, e.g. the dashboard history.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler. Zero is never issued.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler adds a handler for every metric emitted after the call.
// A nil handler is ignored and yields 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	metricHandlers[nextMetricHandlerID] = handler
	return nextMetricHandlerID
}

// UnregisterMetricHandler removes a handler. Unknown ids are ignored.
func UnregisterMetricHandler(id MetricHandlerID) {
	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// recordMetric logs the metric and hands it to the registered handlers. Frame
// metrics fire for every inbound message, so they are logged at debug level.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" || !metricEnabled(name) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(metric.Fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	entry := log.WithComponent(component).WithFields(logFields)
	if f, ok := featureForMetric(name); ok && f == FeatureFrames {
		entry.Debug("metric")
	} else {
		entry.Info("metric")
	}

	dispatchMetric(log, metric)
	return metric, true
}

// dispatchMetric calls the handlers in registration order outside the lock. A
// panicking handler is logged and skipped.
func dispatchMetric(log *logger.Log, metric Metric) {
	metricHandlersMu.RLock()
	ids := make([]MetricHandlerID, 0, len(metricHandlers))
	for id := range metricHandlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]MetricHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, metricHandlers[id])
	}
	metricHandlersMu.RUnlock()

	for _, handler := range handlers {
		callHandler(log, handler, metric)
	}
}

func callHandler(log *logger.Log, handler MetricHandler, metric Metric) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("metrics").WithFields(logger.Fields{
				"metric": metric.Name,
				"panic":  r,
			}).Error("metric handler panic recovered")
		}
	}()
	handler(metric)
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
