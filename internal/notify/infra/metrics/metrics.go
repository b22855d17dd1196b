// Package metrics exposes notify dispatch counters via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements notifier.Metrics on a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	sent         *prometheus.CounterVec
	acked        *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	declined     *prometheus.CounterVec
	unreachable  *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	active       prometheus.Gauge
}

// New creates the notify metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_sent_total",
			Help: "NOTIFY queries sent, by zone.",
		}, []string{"zone"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_acked_total",
			Help: "NOTIFY acknowledgements received, by zone.",
		}, []string{"zone"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_rejected_total",
			Help: "Malformed or mismatched notify replies, by zone.",
		}, []string{"zone"}),
		declined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_declined_total",
			Help: "Targets that answered NOTIMP, by zone.",
		}, []string{"zone"}),
		unreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_unreachable_total",
			Help: "Targets abandoned after exhausting retries, by zone.",
		}, []string{"zone"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_notify_send_failures_total",
			Help: "Socket open or send failures, by zone.",
		}, []string{"zone"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifyd_active_sessions",
			Help: "Sessions currently working through their target list.",
		}),
	}
	m.registry.MustRegister(m.sent, m.acked, m.rejected, m.declined,
		m.unreachable, m.sendFailures, m.active)
	return m
}

func (m *Metrics) Sent(zone string)        { m.sent.WithLabelValues(zone).Inc() }
func (m *Metrics) Acked(zone string)       { m.acked.WithLabelValues(zone).Inc() }
func (m *Metrics) Rejected(zone string)    { m.rejected.WithLabelValues(zone).Inc() }
func (m *Metrics) Declined(zone string)    { m.declined.WithLabelValues(zone).Inc() }
func (m *Metrics) Unreachable(zone string) { m.unreachable.WithLabelValues(zone).Inc() }
func (m *Metrics) SendFailure(zone string) { m.sendFailures.WithLabelValues(zone).Inc() }
func (m *Metrics) SetActiveSessions(n int) { m.active.Set(float64(n)) }

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
