// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload and retrieval outcomes used as label values.
const (
	ResultOK        = "ok"
	ResultNoFile    = "no_file"
	ResultTooLarge  = "too_large"
	ResultConflict  = "conflict"
	ResultIOError   = "io_error"
	ResultNotFound  = "not_found"
	ResultCancelled = "cancelled"
)

// Metrics groups the service's collectors around a private registry, so
// tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	Uploads          *prometheus.CounterVec
	UploadBytes      *prometheus.CounterVec
	AllocatorRetries prometheus.Counter
	Retrievals       *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// New registers all collectors, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_uploads_total",
			Help: "Upload attempts by media class and result.",
		}, []string{"class", "result"}),
		UploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_upload_bytes_total",
			Help: "Bytes durably stored by media class.",
		}, []string{"class"}),
		AllocatorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_allocator_retries_total",
			Help: "Identifiers re-allocated because the storage key was taken.",
		}),
		Retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_retrievals_total",
			Help: "Object lookups by URL prefix and result.",
		}, []string{"prefix", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.Uploads,
		m.UploadBytes,
		m.AllocatorRetries,
		m.Retrievals,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
