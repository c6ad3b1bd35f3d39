// Package metrics exposes HTTP and broadcast pipeline metrics through a
// Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every collector of the daemon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	previews     *prometheus.CounterVec
	confirms     *prometheus.CounterVec
	refusals     *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	cleanupCount prometheus.Counter
	confirmTime  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openmcp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_broadcast_previews_total",
			Help: "Transactions staged for confirmation.",
		}, []string{"network"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_broadcast_confirms_total",
			Help: "Confirm calls by terminal outcome.",
		}, []string{"network", "outcome"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_broadcast_refusals_total",
			Help: "Guard refusals by code.",
		}, []string{"code"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openmcp_broadcast_submissions_total",
			Help: "Submission attempts by result class.",
		}, []string{"network", "class"}),
		cleanupCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openmcp_broadcast_cleanup_removed_total",
			Help: "Pending records removed by cleanup.",
		}),
		confirmTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openmcp_broadcast_confirm_duration_seconds",
			Help:    "Time from submission to terminal outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"network", "outcome"}),
	}
	m.registry.MustRegister(
		m.requests, m.errors, m.latency,
		m.previews, m.confirms, m.refusals, m.submissions, m.cleanupCount, m.confirmTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.errors.WithLabelValues(handler, method).Inc()
	}
	m.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Preview counts a staged transaction.
func (m *Metrics) Preview(network string) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(network).Inc()
}

// Refusal counts a guard refusal.
func (m *Metrics) Refusal(code string) {
	if m == nil {
		return
	}
	m.refusals.WithLabelValues(code).Inc()
}

// Submission counts a submit attempt. class is "ok" on acceptance.
func (m *Metrics) Submission(network, class string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(network, class).Inc()
}

// Outcome records a terminal confirm outcome and how long polling took.
func (m *Metrics) Outcome(network, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.confirms.WithLabelValues(network, outcome).Inc()
	m.confirmTime.WithLabelValues(network, outcome).Observe(waited.Seconds())
}

// CleanedUp counts removed records.
func (m *Metrics) CleanedUp(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.cleanupCount.Add(float64(removed))
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
