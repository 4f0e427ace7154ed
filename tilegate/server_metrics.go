package tilegate

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics collects the HTTP surface counters. Everything lives on a
// private registry so embedders and tests never fight over the default one.
type serverMetrics struct {
	registry *prometheus.Registry

	// overall requests: count, duration, response size by source/handler/status
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec

	buildInfo *prometheus.GaugeVec
}

func register[K prometheus.Collector](logger *log.Logger, registry *prometheus.Registry, metric K) K {
	if err := registry.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

func newServerMetrics(logger *log.Logger) *serverMetrics {
	namespace := "tilegate"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}

	registry := prometheus.NewRegistry()
	return &serverMetrics{
		registry: registry,
		requests: register(logger, registry, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"source", "handler", "status"})),
		responseSize: register(logger, registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"source", "handler", "status"})),
		requestDuration: register(logger, registry, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"source", "handler", "status"})),
		buildInfo: register(logger, registry, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buildinfo",
		}, []string{"version", "revision"})),
	}
}

// setBuildInfo pins the version labels, called once at startup.
func (m *serverMetrics) setBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// handler exposes the private registry for the metrics route.
func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// requestTracker times one request from dispatch to response.
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *serverMetrics
}

func (m *serverMetrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(source, handler string, status, responseSize int) {
	if r.finished {
		return
	}
	r.finished = true
	// exclude the source label from "not found" metrics to limit cardinality
	// on requests for nonexistent ids
	if status == http.StatusNotFound {
		source = ""
	}
	labels := []string{source, handler, strconv.Itoa(status)}
	r.metrics.requests.WithLabelValues(labels...).Inc()
	r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
	r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
}
