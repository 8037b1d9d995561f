// Package metrics exposes the node's Prometheus collectors and adapts them to the
// observer hooks of the handler, retry and group broadcast layers.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imconnect/node/internal/protocol"
	"imconnect/node/internal/retry"
	"imconnect/node/internal/strategy"
)

const namespace = "imconnect"

// Metrics owns a private registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	Connections   prometheus.Gauge
	Handshakes    *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	ConfigReloads *prometheus.CounterVec

	routed      *prometheus.CounterVec
	acks        *prometheus.CounterVec
	withdrawals prometheus.Counter
	retryEvents *prometheus.CounterVec
	groupPushes *prometheus.CounterVec
}

var (
	_ strategy.Observer = (*Metrics)(nil)
	_ retry.Observer    = (*Metrics)(nil)
)

// New registers every collector plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open client sockets on this node.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total",
			Help: "Websocket handshakes by result.",
		}, []string{"result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "evictions_total",
			Help: "Connections force-closed by the heartbeat monitor, by reason.",
		}, []string{"reason"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routed_total",
			Help: "Pushes by delivery outcome.",
		}, []string{"outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_acks_total",
			Help: "Client acknowledgements by status.",
		}, []string{"status"}),
		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "withdrawals_total",
			Help: "Messages withdrawn by their sender.",
		}),
		retryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_events_total",
			Help: "Retry engine events by record kind and event.",
		}, []string{"kind", "event"}),
		groupPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "group_pushes_total",
			Help: "Group broadcast pushes to local members by result.",
		}, []string{"result"}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "config_reloads_total",
			Help: "Configuration reloads by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections, m.Handshakes, m.Evictions, m.ConfigReloads,
		m.routed, m.acks, m.withdrawals, m.retryEvents, m.groupPushes,
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GaugeFunc registers a gauge sampled on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (m *Metrics) Routed(outcome strategy.Outcome) {
	m.routed.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) AckSeen(status int32) {
	m.acks.WithLabelValues(ackStatus(status)).Inc()
}

func (m *Metrics) Withdrawn() { m.withdrawals.Inc() }

func (m *Metrics) Tracked(kind retry.Kind)      { m.retry(kind, "tracked") }
func (m *Metrics) Acknowledged(kind retry.Kind) { m.retry(kind, "acknowledged") }
func (m *Metrics) Retried(kind retry.Kind)      { m.retry(kind, "retried") }
func (m *Metrics) Abandoned(kind retry.Kind)    { m.retry(kind, "abandoned") }

func (m *Metrics) retry(kind retry.Kind, event string) {
	m.retryEvents.WithLabelValues(string(kind), event).Inc()
}

// GroupPushed matches the broadcast filter's push callback.
func (m *Metrics) GroupPushed(delivered, failed int) {
	m.groupPushes.WithLabelValues("delivered").Add(float64(delivered))
	m.groupPushes.WithLabelValues("failed").Add(float64(failed))
}

func ackStatus(status int32) string {
	switch status {
	case protocol.AckStatusUnread:
		return "unread"
	case protocol.AckStatusRead:
		return "read"
	default:
		return strconv.Itoa(int(status))
	}
}
