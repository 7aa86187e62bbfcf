package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "rockfall_"

// Prometheus is the default Collector. Each instance owns its registry so
// tests and multiple servers in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	classifyLatency *prometheus.HistogramVec
	persistence     *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus registers the rockfall metrics plus the Go runtime and
// process collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by method, route and status",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "predictions_total",
				Help: "Total prediction submissions by outcome",
			},
			[]string{"outcome"},
		),
		classifyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "prediction_duration_seconds",
				Help:    "End-to-end prediction latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		persistence: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "prediction_persistence_total",
				Help: "History writes after successful classification by outcome",
			},
			[]string{"outcome"},
		),
	}

	p.registry.MustRegister(
		p.requests,
		p.requestLatency,
		p.predictions,
		p.classifyLatency,
		p.persistence,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRequest implements core.MetricsCollector.
func (p *Prometheus) RecordRequest(method, endpoint, status string, duration time.Duration) {
	p.requests.WithLabelValues(method, endpoint, status).Inc()
	p.requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPrediction implements Collector.
func (p *Prometheus) RecordPrediction(_ context.Context, outcome string, duration time.Duration) {
	p.predictions.WithLabelValues(outcome).Inc()
	p.classifyLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPersistence implements Collector.
func (p *Prometheus) RecordPersistence(_ context.Context, outcome string) {
	p.persistence.WithLabelValues(outcome).Inc()
}
