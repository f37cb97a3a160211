// Package metrics holds the client's Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ohmguard"

// Metrics groups the collectors updated by the session, realtime and alert store components.
type Metrics struct {
	pendingAlerts  prometheus.Gauge
	realtimeEvents *prometheus.CounterVec
	realtimeState  prometheus.Gauge
	reconnects     prometheus.Counter
	refreshes      *prometheus.CounterVec
	acks           *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		pendingAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_alerts",
			Help:      "Alerts in status NEW in the local collection.",
		}),
		realtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events received, by kind.",
		}, []string{"kind"}),
		realtimeState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Realtime channel state: 0 disconnected, 1 connecting, 2 joined.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime reconnection attempts.",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes, by result (ok, rejected, error, persist_error).",
		}, []string{"result"}),
		acks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Acknowledgement attempts, by result (ok, in_flight, reverted).",
		}, []string{"result"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingAlerts.Set(float64(n))
	}
}

func (m *Metrics) IncEvent(kind string) {
	if m != nil {
		m.realtimeEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetRealtimeState(state int) {
	if m != nil {
		m.realtimeState.Set(float64(state))
	}
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) ObserveRefresh(result string) {
	if m != nil {
		m.refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveAck(result string) {
	if m != nil {
		m.acks.WithLabelValues(result).Inc()
	}
}
