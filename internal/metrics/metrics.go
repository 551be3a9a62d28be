// Package metrics exposes the API's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	TaskCompletions      prometheus.Counter
	CompletionRejections *prometheus.CounterVec
	RLRequests           *prometheus.CounterVec
	RLBlocked            *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TaskCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_completions_total",
			Help: "Tasks transitioned to done",
		}),
		CompletionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "task_completion_rejections_total",
				Help: "Completion attempts refused, by reason",
			},
			[]string{"reason"},
		),
		RLRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limiter_requests_total",
				Help: "Total requests seen by the rate limiter",
			},
			[]string{"endpoint"},
		),
		RLBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limiter_blocked_total",
				Help: "Total requests blocked by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.TaskCompletions,
		m.CompletionRejections,
		m.RLRequests,
		m.RLBlocked,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.TaskCompletions.Inc()
}

func (m *Metrics) CompletionRejected(reason string) {
	if m == nil {
		return
	}
	m.CompletionRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited(endpoint string, blocked bool) {
	if m == nil {
		return
	}
	if blocked {
		m.RLBlocked.WithLabelValues(endpoint).Inc()
		return
	}
	m.RLRequests.WithLabelValues(endpoint).Inc()
}
