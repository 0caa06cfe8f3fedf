// Package metrics provides Prometheus instrumentation for the bucketz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only bucketz metrics appear on the /metrics endpoint.
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

// Metrics holds all Prometheus collectors used by the bucketz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	SnapshotFeatures      *prometheus.GaugeVec
	SnapshotDiagnostics   *prometheus.GaugeVec
	SnapshotLoadsTotal    prometheus.Counter
	SnapshotLoadFailures  prometheus.Counter
	SnapshotInvalidations prometheus.Counter
	SnapshotLoadedSeconds prometheus.Gauge
	EvaluationsTotal      *prometheus.CounterVec
	AuthFailuresTotal     prometheus.Counter
	AuthThrottledTotal    *prometheus.CounterVec
}

// New creates and registers all bucketz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		SnapshotFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketz_snapshot_features",
			Help: "Number of compiled features in the active snapshot.",
		}, []string{"environment", "state"}),

		SnapshotDiagnostics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bucketz_snapshot_diagnostics",
			Help: "Number of rule diagnostics in the active snapshot.",
		}, []string{"fatal"}),

		SnapshotLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_snapshot_loads_total",
			Help: "Total number of snapshots built and swapped in.",
		}),

		SnapshotLoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_snapshot_load_failures_total",
			Help: "Total number of failed definitions loads.",
		}),

		SnapshotInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_snapshot_invalidations_total",
			Help: "Total number of change notifications received from the definitions source.",
		}),

		SnapshotLoadedSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bucketz_snapshot_loaded_timestamp_seconds",
			Help: "Unix time at which the active snapshot was built.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_evaluations_total",
			Help: "Total number of feature evaluations by result source.",
		}, []string{"source"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bucketz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		AuthThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketz_auth_throttled_total",
			Help: "Total number of authentication attempts refused by the failure rate limiter, by budget.",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.SnapshotFeatures,
		m.SnapshotDiagnostics,
		m.SnapshotLoadsTotal,
		m.SnapshotLoadFailures,
		m.SnapshotInvalidations,
		m.SnapshotLoadedSeconds,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.AuthThrottledTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
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

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RecordEvaluation increments the evaluation counter for a result source.
func (m *Metrics) RecordEvaluation(source string) {
	m.EvaluationsTotal.WithLabelValues(source).Inc()
}

// IncAuthThrottled counts one attempt refused by the given rate limit budget.
func (m *Metrics) IncAuthThrottled(scope string) {
	m.AuthThrottledTotal.WithLabelValues(scope).Inc()
}

// IncSnapshotLoads increments the snapshot load counter and stamps the load time.
func (m *Metrics) IncSnapshotLoads() {
	m.SnapshotLoadsTotal.Inc()
	m.SnapshotLoadedSeconds.SetToCurrentTime()
}

// IncSnapshotLoadFailures increments the failed load counter.
func (m *Metrics) IncSnapshotLoadFailures() {
	m.SnapshotLoadFailures.Inc()
}

// IncSnapshotInvalidations increments the change notification counter.
func (m *Metrics) IncSnapshotInvalidations() {
	m.SnapshotInvalidations.Inc()
}

// ResetSnapshotFeatures clears per-environment gauges so environments removed
// from the definitions stop being reported.
func (m *Metrics) ResetSnapshotFeatures() {
	m.SnapshotFeatures.Reset()
}

// SetSnapshotFeatures updates the feature count for one environment and state.
func (m *Metrics) SetSnapshotFeatures(environment, state string, count float64) {
	m.SnapshotFeatures.WithLabelValues(environment, state).Set(count)
}

// SetSnapshotDiagnostics updates the fatal and non-fatal diagnostic gauges.
func (m *Metrics) SetSnapshotDiagnostics(fatal, nonFatal float64) {
	m.SnapshotDiagnostics.WithLabelValues("true").Set(fatal)
	m.SnapshotDiagnostics.WithLabelValues("false").Set(nonFatal)
}
