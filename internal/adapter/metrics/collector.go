package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection lifecycle statuses.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
)

// Subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Collector records the WebSocket, price and error metrics of the service.
// Every method recovers from panics so a metrics failure never breaks the caller,
// and current-count gauges are clamped at zero.
type Collector struct {
	connectionsTotal    *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	messagesTotal       *prometheus.CounterVec
	messageProcessing   *prometheus.HistogramVec
	subscriptionsTotal  *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	errorsTotal         *prometheus.CounterVec
	priceUpdatesTotal   *prometheus.CounterVec
	priceUpdateLatency  *prometheus.HistogramVec
	rateLimitDecisions  *prometheus.CounterVec
	upstreamEvents      *prometheus.CounterVec
	busMessages         *prometheus.CounterVec

	mu            sync.Mutex
	active        int64
	bySymbol      map[string]int64
	totalConns    int64
	totalMessages int64
	totalErrors   int64
}

// NewCollector creates and registers the collector's metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "WebSocket connection lifecycle events by status.",
		}, []string{"status"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "WebSocket messages by direction and event type.",
		}, []string{"direction", "message_type"}),
		messageProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "message_processing_seconds",
			Help:      "Time spent handling one inbound WebSocket message.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"message_type"}),
		subscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "subscriptions_total",
			Help:      "Symbol subscription changes by symbol and action.",
		}, []string{"symbol", "action"}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_subscriptions",
			Help:      "Current subscribers per symbol.",
		}, []string{"symbol"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Errors by type.",
		}, []string{"error_type"}),
		priceUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Price ticks broadcast by symbol and source.",
		}, []string{"symbol", "source"}),
		priceUpdateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "price_update_latency_seconds",
			Help:      "Delay between tick observation and broadcast.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"symbol"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter outcomes by limit type.",
		}, []string{"limit_type", "result"}),
		upstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "events_total",
			Help:      "Upstream source events (connects, reconnects, parse errors, polls).",
		}, []string{"source", "event"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Broadcast bus messages by direction and result.",
		}, []string{"direction", "result"}),
		bySymbol: make(map[string]int64),
	}

	reg.MustRegister(
		c.connectionsTotal, c.activeConnections, c.messagesTotal, c.messageProcessing,
		c.subscriptionsTotal, c.activeSubscriptions, c.errorsTotal, c.priceUpdatesTotal,
		c.priceUpdateLatency, c.rateLimitDecisions, c.upstreamEvents, c.busMessages,
	)
	return c
}

func (c *Collector) safe(op string) {
	if r := recover(); r != nil {
		slog.Error("Metrics recording failed", "operation", op, "panic", r)
	}
}

// RecordConnection counts a lifecycle event and moves the active gauge.
func (c *Collector) RecordConnection(status string) {
	defer c.safe("record_connection")

	c.mu.Lock()
	c.totalConns++
	switch status {
	case StatusConnected:
		c.active++
	case StatusDisconnected:
		c.active = max(c.active-1, 0)
	}
	active := c.active
	c.mu.Unlock()

	c.connectionsTotal.WithLabelValues(status).Inc()
	c.activeConnections.Set(float64(active))
}

func (c *Collector) RecordMessage(direction, messageType string) {
	defer c.safe("record_message")

	c.mu.Lock()
	c.totalMessages++
	c.mu.Unlock()

	c.messagesTotal.WithLabelValues(direction, messageType).Inc()
}

func (c *Collector) ObserveProcessing(messageType string, d time.Duration) {
	defer c.safe("observe_processing")
	c.messageProcessing.WithLabelValues(messageType).Observe(d.Seconds())
}

// RecordSubscription counts a subscription change and moves the per-symbol gauge.
func (c *Collector) RecordSubscription(symbol, action string) {
	defer c.safe("record_subscription")

	c.mu.Lock()
	n := c.bySymbol[symbol]
	switch action {
	case ActionSubscribe:
		n++
	case ActionUnsubscribe:
		n = max(n-1, 0)
	}
	if n == 0 {
		delete(c.bySymbol, symbol)
	} else {
		c.bySymbol[symbol] = n
	}
	c.mu.Unlock()

	c.subscriptionsTotal.WithLabelValues(symbol, action).Inc()
	c.activeSubscriptions.WithLabelValues(symbol).Set(float64(n))
}

func (c *Collector) RecordError(errorType string) {
	defer c.safe("record_error")

	c.mu.Lock()
	c.totalErrors++
	c.mu.Unlock()

	c.errorsTotal.WithLabelValues(errorType).Inc()
}

// RecordPriceUpdate counts one broadcast tick. latency <= 0 is not observed.
func (c *Collector) RecordPriceUpdate(symbol, source string, latency time.Duration) {
	defer c.safe("record_price_update")

	c.priceUpdatesTotal.WithLabelValues(symbol, source).Inc()
	if latency > 0 {
		c.priceUpdateLatency.WithLabelValues(symbol).Observe(latency.Seconds())
	}
}

func (c *Collector) RecordRateLimit(limitType string, allowed bool) {
	defer c.safe("record_rate_limit")

	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	c.rateLimitDecisions.WithLabelValues(limitType, result).Inc()
}

func (c *Collector) RecordUpstreamEvent(source, event string) {
	defer c.safe("record_upstream_event")
	c.upstreamEvents.WithLabelValues(source, event).Inc()
}

func (c *Collector) RecordBusMessage(direction, result string) {
	defer c.safe("record_bus_message")
	c.busMessages.WithLabelValues(direction, result).Inc()
}

// Totals is a point-in-time copy of the collector's running counts.
type Totals struct {
	ActiveConnections int64            `json:"active_connections"`
	TotalConnections  int64            `json:"total_connection_events"`
	TotalMessages     int64            `json:"total_messages"`
	TotalErrors       int64            `json:"total_errors"`
	SubscriptionsBy   map[string]int64 `json:"active_subscriptions_by_symbol"`
}

func (c *Collector) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	by := make(map[string]int64, len(c.bySymbol))
	for s, n := range c.bySymbol {
		by[s] = n
	}
	return Totals{
		ActiveConnections: c.active,
		TotalConnections:  c.totalConns,
		TotalMessages:     c.totalMessages,
		TotalErrors:       c.totalErrors,
		SubscriptionsBy:   by,
	}
}

func (c *Collector) ConnectionCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Collector) TotalMessages() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalMessages
}

func (c *Collector) ErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalErrors
}
