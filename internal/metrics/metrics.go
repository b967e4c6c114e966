// Package metrics holds the Prometheus collectors for streamhub. Every
// recording method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamhub"

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ActiveRelays      prometheus.Gauge
	RelayFailures     *prometheus.CounterVec
	AdapterState      *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	OutboundSends     *prometheus.CounterVec
	ChatMessages      *prometheus.CounterVec
	ResponderCalls    *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_sessions",
			Help:      "Number of stream sessions that are not stopped",
		}),
		ActiveRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected_relays",
			Help:      "Number of relays currently connected",
		}),
		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "relay_failures_total",
			Help:      "Relay start or runtime failures by target",
		}, []string{"target", "phase"}),
		AdapterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "state",
			Help:      "Adapter connection state (0=disconnected, 1=connecting, 2=connected, 3=backoff)",
		}, []string{"platform"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by platform and result",
		}, []string{"platform", "result"}),
		OutboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "outbound_sends_total",
			Help:      "Outbound chat sends by platform and result",
		}, []string{"platform", "result"}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Inbound chat messages by platform and outcome",
		}, []string{"platform", "outcome"}),
		ResponderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "calls_total",
			Help:      "Response lookups by source (quick, cache, engine, fallback)",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveSessions,
		m.ActiveRelays,
		m.RelayFailures,
		m.AdapterState,
		m.ReconnectAttempts,
		m.OutboundSends,
		m.ChatMessages,
		m.ResponderCalls,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetSessions(active, connectedRelays int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
	m.ActiveRelays.Set(float64(connectedRelays))
}

func (m *Metrics) RelayFailed(target, phase string) {
	if m == nil {
		return
	}
	m.RelayFailures.WithLabelValues(target, phase).Inc()
}

func (m *Metrics) SetAdapterState(platform string, state int) {
	if m == nil {
		return
	}
	m.AdapterState.WithLabelValues(platform).Set(float64(state))
}

func (m *Metrics) Reconnect(platform, result string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) Sent(platform string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OutboundSends.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) ChatMessage(platform, outcome string) {
	if m == nil {
		return
	}
	m.ChatMessages.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) Responder(source string) {
	if m == nil {
		return
	}
	m.ResponderCalls.WithLabelValues(source).Inc()
}
