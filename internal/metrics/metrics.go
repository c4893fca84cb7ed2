package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the gateway exports on /metrics.
type Metrics struct {
	lifecycle *prometheus.CounterVec
	upstream  *prometheus.HistogramVec
	refresh   *prometheus.CounterVec
	sessions  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkoutdesk",
			Name:      "sale_lifecycle_total",
			Help:      "Sale lifecycle requests by action and outcome.",
		}, []string{"action", "outcome"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkoutdesk",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to the inventory backend.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkoutdesk",
			Name:      "refresh_total",
			Help:      "Post-transition re-fetches by target and outcome.",
		}, []string{"target", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkoutdesk",
			Name:      "active_sessions",
			Help:      "Terminal sessions currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lifecycle, m.upstream, m.refresh, m.sessions)
	}
	return m
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) ObserveLifecycle(action string, outcome string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveUpstream(endpoint string, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRefresh(target string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.refresh.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
