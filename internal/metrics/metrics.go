// Package metrics provides Prometheus instrumentation for expz.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only expz metrics appear on the /metrics endpoint. The SDK
// client records its updater and exposure counters in the same registry type.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by expz.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	CacheSize             *prometheus.GaugeVec
	CacheLoadsTotal       prometheus.Counter
	CacheInvalidations    prometheus.Counter
	EvaluationsTotal      *prometheus.CounterVec
	AuthFailuresTotal     prometheus.Counter
	ActiveStreams         *prometheus.GaugeVec
	UpdaterFailuresTotal  *prometheus.CounterVec
	ExposuresTotal        *prometheus.CounterVec
	SnapshotFallbackTotal prometheus.Counter
}

// New creates and registers all expz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expz_cache_size",
			Help: "Number of flag configs in the in-memory snapshot.",
		}, []string{"deployment_id"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expz_cache_loads_total",
			Help: "Total number of full snapshot reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered snapshot invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expz_flag_evaluations_total",
			Help: "Total number of flag evaluations by outcome.",
		}, []string{"outcome"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		UpdaterFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expz_updater_failures_total",
			Help: "Total number of failed client sync attempts.",
		}, []string{"updater", "retriable"}),

		ExposuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expz_exposures_total",
			Help: "Total number of exposures by outcome.",
		}, []string{"outcome"}),

		SnapshotFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expz_snapshot_fallback_total",
			Help: "Total number of snapshot loads served from the backing store instead of the database.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.UpdaterFailuresTotal,
		m.ExposuresTotal,
		m.SnapshotFallbackTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps next so that each request is counted and timed under route.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		code := strconv.Itoa(sw.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordEvaluations counts one evaluation pass: flags that produced a variant
// and flags that did not.
func (m *Metrics) RecordEvaluations(matched, unmatched int) {
	m.EvaluationsTotal.WithLabelValues("matched").Add(float64(matched))
	m.EvaluationsTotal.WithLabelValues("no_match").Add(float64(unmatched))
}

// SetCacheSize updates the cache size gauge for the given deployment.
func (m *Metrics) SetCacheSize(deploymentID string, size float64) {
	m.CacheSize.WithLabelValues(deploymentID).Set(size)
}

// ResetCacheSize drops every per-deployment cache size series.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Reset()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// IncSnapshotFallback increments the snapshot fallback counter.
func (m *Metrics) IncSnapshotFallback() {
	m.SnapshotFallbackTotal.Inc()
}

// RecordUpdaterFailure counts a failed sync attempt by the named updater.
func (m *Metrics) RecordUpdaterFailure(updater string, retriable bool) {
	m.UpdaterFailuresTotal.WithLabelValues(updater, strconv.FormatBool(retriable)).Inc()
}

// RecordExposure counts an exposure as forwarded or suppressed.
func (m *Metrics) RecordExposure(forwarded bool) {
	outcome := "suppressed"
	if forwarded {
		outcome = "forwarded"
	}
	m.ExposuresTotal.WithLabelValues(outcome).Inc()
}
