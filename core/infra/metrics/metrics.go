package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegistryMetrics counts addon uploads and downloads.
type RegistryMetrics interface {
	IncUpload(action, outcome string)
	ObserveUpload(durationSeconds float64)
	IncDownload(outcome string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements RegistryMetrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncUpload(string, string)                       {}
func (Noop) ObserveUpload(float64)                          {}
func (Noop) IncDownload(string)                             {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements RegistryMetrics backed by Prometheus collectors.
type Prom struct {
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	downloads      *prometheus.CounterVec
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addon_uploads_total",
			Help:      "Addon uploads by action and outcome",
		}, []string{"action", "outcome"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "addon_upload_duration_seconds",
			Help:      "Time spent ingesting one upload",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addon_downloads_total",
			Help:      "Download resolutions by outcome",
		}, []string{"outcome"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.uploads, p.uploadDuration, p.downloads)
	})
	return p
}

func (p *Prom) IncUpload(action, outcome string) {
	p.uploads.WithLabelValues(action, outcome).Inc()
}

func (p *Prom) ObserveUpload(durationSeconds float64) {
	p.uploadDuration.Observe(durationSeconds)
}

func (p *Prom) IncDownload(outcome string) {
	p.downloads.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
