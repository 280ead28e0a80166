package messaging

import (
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for publish, consume and pending calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	pendingCalls    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on their own registry
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "courier"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages handed to a transport, by route, transport kind and status.",
		}, []string{"route", "kind", "status"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Messages handled by listeners, by route and status.",
		}, []string{"route", "status"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Listener handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Request/reply calls awaiting a correlated reply.",
		}),
	}

	m.registry.MustRegister(m.published, m.consumed, m.handlerDuration, m.pendingCalls)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPublish counts one publish attempt
func (m *Metrics) RecordPublish(route contracts.Route, kind Kind, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(route.Name, string(kind), status(err)).Inc()
}

// RecordConsume counts one handled delivery and observes its duration
func (m *Metrics) RecordConsume(route contracts.Route, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(route.Name, status(err)).Inc()
	m.handlerDuration.WithLabelValues(route.Name).Observe(duration.Seconds())
}

// SetPending sets the pending calls gauge
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingCalls.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
