package pipeliner

import (
	"bytes"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeliner_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeliner_http_request_duration_seconds",
			Help:    "Time from dispatch to the final response part",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeliner_http_requests_in_flight",
			Help: "Requests dispatched and not yet settled",
		},
	)
)

// PrometheusConfig holds configuration for Prometheus metrics middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths to skip metrics collection (e.g., /metrics, /health)
	SkipPaths []string
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		SkipPaths: []string{"/metrics"},
	}
}

// Prometheus returns a middleware that collects Prometheus metrics.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware that collects Prometheus metrics with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, h *ResponseHandle) Result {
			if skipMap[req.Path] {
				return next.HandleRequest(req, h)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			method := req.Method
			var once sync.Once
			h.OnDone(func() {
				once.Do(func() {
					httpRequestsInFlight.Dec()
					status := "dropped"
					if h.Completed() {
						status = strconv.Itoa(h.Status())
					}
					httpRequestsTotal.WithLabelValues(method, status).Inc()
					httpRequestDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
				})
			})

			return next.HandleRequest(req, h)
		})
	}
}

// MetricsHandler serves the metrics of gatherer in the Prometheus text
// format. A nil gatherer means prometheus.DefaultGatherer.
func MetricsHandler(gatherer prometheus.Gatherer) Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return HandlerFunc(func(_ *Request, h *ResponseHandle) Result {
		families, err := gatherer.Gather()
		if err != nil {
			Text(h, 500, err.Error())
			return Accepted
		}
		var buf bytes.Buffer
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
				Text(h, 500, err.Error())
				return Accepted
			}
		}
		NewResponse(h).
			Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8").
			Send(buf.Bytes())
		return Accepted
	})
}
