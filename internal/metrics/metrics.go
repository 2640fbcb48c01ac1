// Package metrics exposes Prometheus collectors for the snapshot proxy.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/snapsearch-go/pkg/detector"
	"github.com/JakeFAU/snapsearch-go/pkg/interceptor"
)

var (
	decisionsTotal             *prometheus.CounterVec
	renderRequestsTotal        *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	proxyErrorsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapsearch_decisions_total",
				Help: "Total number of interception decisions, labeled by deciding step and outcome.",
			},
			[]string{"reason", "intercepted"},
		)

		renderRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapsearch_render_requests_total",
				Help: "Total number of snapshot requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapsearch_render_duration_seconds",
				Help:    "Histogram of snapshot latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		proxyErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapsearch_proxy_errors_total",
				Help: "Total number of failed upstream requests, labeled by upstream host.",
			},
			[]string{"upstream"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an interception decision.
func ObserveDecision(reason string, intercepted bool) {
	decisionsTotal.WithLabelValues(reason, strconv.FormatBool(intercepted)).Inc()
}

// ObserveRender records a snapshot request outcome and its latency.
func ObserveRender(outcome string, duration time.Duration) {
	renderRequestsTotal.WithLabelValues(outcome).Inc()
	renderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveProxyError counts a failed request to the upstream application.
func ObserveProxyError(upstream string) {
	proxyErrorsTotal.WithLabelValues(SanitizeSite(upstream)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Recorder feeds interceptor events into the collectors.
type Recorder struct{}

var _ interceptor.Observer = Recorder{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// ObserveDecision implements interceptor.Observer.
func (Recorder) ObserveDecision(decision detector.Decision) {
	ObserveDecision(string(decision.Reason), decision.Intercept)
}

// ObserveRender implements interceptor.Observer.
func (Recorder) ObserveRender(outcome interceptor.Outcome, duration time.Duration) {
	ObserveRender(string(outcome), duration)
}
