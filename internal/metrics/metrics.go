// Package metrics holds the Prometheus collectors of the realtime service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conference"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Rooms          prometheus.Gauge
	Connections    prometheus.Gauge
	Inbound        *prometheus.CounterVec
	Signals        *prometheus.CounterVec
	Votes          *prometheus.CounterVec
	AnalyticsDrops prometheus.Counter
	RateLimited    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_rooms",
			Help: "Number of session rooms with at least one live connection.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Number of open websocket connections.",
		}),
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_messages_total",
			Help: "Inbound websocket messages by event.",
		}, []string{"event"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "WebRTC signaling messages by kind and result (relayed or dropped).",
		}, []string{"kind", "result"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_total",
			Help: "Question votes by result.",
		}, []string{"result"}),
		AnalyticsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "analytics_dropped_total",
			Help: "Analytics events dropped because the recorder buffer was full or the write failed.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_messages_total",
			Help: "Inbound messages rejected by the per-connection rate limiter.",
		}),
	}
	reg.MustRegister(m.Rooms, m.Connections, m.Inbound, m.Signals, m.Votes, m.AnalyticsDrops, m.RateLimited)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetRooms(rooms int) {
	if m == nil {
		return
	}
	m.Rooms.Set(float64(rooms))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) InboundMessage(event string) {
	if m == nil {
		return
	}
	m.Inbound.WithLabelValues(event).Inc()
}

func (m *Metrics) Signal(kind string, relayed bool) {
	if m == nil {
		return
	}
	result := "dropped"
	if relayed {
		result = "relayed"
	}
	m.Signals.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Vote(result string) {
	if m == nil {
		return
	}
	m.Votes.WithLabelValues(result).Inc()
}

func (m *Metrics) AnalyticsDropped() {
	if m == nil {
		return
	}
	m.AnalyticsDrops.Inc()
}

func (m *Metrics) MessageRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
