package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wirechat"

// Metrics groups the collectors of the sync engine and the event bus.
// All methods are safe on a nil receiver, which disables collection.
type Metrics struct {
	liveEvents     *prometheus.CounterVec
	historyFetches *prometheus.CounterVec
	sends          *prometheus.CounterVec
	gapRecoveries  *prometheus.CounterVec
	openChannels   prometheus.Gauge
	busSubscribers prometheus.Gauge
	busPublished   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	wsConnections  prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "live_events_total",
			Help:      "Live events seen by the merge engine, by operation and outcome.",
		}, []string{"op", "result"}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "history_fetches_total",
			Help:      "History page fetches, by outcome.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "sends_total",
			Help:      "Optimistic sends, by final delivery status.",
		}, []string{"status"}),
		gapRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "gap_recoveries_total",
			Help:      "Gap recoveries after a dropped subscription, by outcome.",
		}, []string{"result"}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "open_channels",
			Help:      "Channels currently open in the engine.",
		}),
		busSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Active event bus subscriptions.",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Events published on the bus, by operation.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "ws_connections",
			Help:      "Open websocket feed connections.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.liveEvents,
		m.historyFetches,
		m.sends,
		m.gapRecoveries,
		m.openChannels,
		m.busSubscribers,
		m.busPublished,
		m.httpRequests,
		m.wsConnections,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) LiveEvent(op, result string) {
	if m == nil {
		return
	}
	m.liveEvents.WithLabelValues(op, result).Inc()
}

func (m *Metrics) HistoryFetch(result string) {
	if m == nil {
		return
	}
	m.historyFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) Send(status string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(status).Inc()
}

func (m *Metrics) GapRecovery(result string) {
	if m == nil {
		return
	}
	m.gapRecoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

func (m *Metrics) Subscribed() {
	if m == nil {
		return
	}
	m.busSubscribers.Inc()
}

func (m *Metrics) Unsubscribed() {
	if m == nil {
		return
	}
	m.busSubscribers.Dec()
}

func (m *Metrics) Published(op string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(op).Inc()
}

func (m *Metrics) HTTPRequest(route, method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
