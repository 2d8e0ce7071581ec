// Package metrics exposes Prometheus counters for the auth, alert, billing,
// and bundle subsystems, plus HTTP request latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the process-local Prometheus registry with the metric
// vectors handlers record into.
type Registry struct {
	reg *prometheus.Registry

	// LoginsTotal counts login attempts by outcome: success, bad_password,
	// unknown_email, account_inactive, billing_expired, error.
	LoginsTotal *prometheus.CounterVec
	// RefreshesTotal counts token refreshes by outcome.
	RefreshesTotal *prometheus.CounterVec
	// SessionsDisplaced counts sessions closed by a newer login.
	SessionsDisplaced prometheus.Counter
	// AlertsTotal counts security alerts by type and severity.
	AlertsTotal *prometheus.CounterVec
	// SweepDisabled counts accounts auto-disabled by the billing sweeper.
	SweepDisabled prometheus.Counter
	// BundleGrants counts presigned URL grants by kind (upload/download)
	// and outcome.
	BundleGrants *prometheus.CounterVec
	// RequestLatency observes HTTP handler latency per route and status.
	RequestLatency *prometheus.HistogramVec
}

// New builds an isolated registry. Nothing registers globally, so tests can
// hold multiple registries side by side.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiondesk_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiondesk_token_refreshes_total",
			Help: "Token refreshes by outcome",
		}, []string{"outcome"}),
		SessionsDisplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiondesk_sessions_displaced_total",
			Help: "Active sessions closed by a newer login",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiondesk_alerts_total",
			Help: "Security alerts emitted",
		}, []string{"type", "severity"}),
		SweepDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessiondesk_sweep_disabled_total",
			Help: "Accounts disabled by the billing sweeper",
		}),
		BundleGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiondesk_bundle_grants_total",
			Help: "Presigned bundle URL grants",
		}, []string{"kind", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessiondesk_request_latency_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"route", "status"}),
	}
	reg.MustRegister(
		m.LoginsTotal,
		m.RefreshesTotal,
		m.SessionsDisplaced,
		m.AlertsTotal,
		m.SweepDisabled,
		m.BundleGrants,
		m.RequestLatency,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware records per-request latency labeled by the matched chi route
// pattern, keeping label cardinality bounded.
func (m *Registry) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.RequestLatency.
				WithLabelValues(route, strconv.Itoa(ww.Status())).
				Observe(float64(time.Since(start).Milliseconds()))
		})
	}
}
