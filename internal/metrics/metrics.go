// Package metrics holds the Prometheus collectors for the resilience layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	rateLimitRejections *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
	replays             *prometheus.CounterVec
	gatherer            prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"surface"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notification channel deliveries by outcome.",
		}, []string{"channel", "outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_replays_total",
			Help: "Offline queue replay attempts by outcome.",
		}, []string{"queue", "outcome"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.rateLimitRejections,
		m.deliveries,
		m.replays,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RateLimitRejected(surface string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.WithLabelValues(surface).Inc()
}

func (m *Metrics) Delivered(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Replayed(queue, outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(queue, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
