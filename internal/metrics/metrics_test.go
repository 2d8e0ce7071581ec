package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil || r.reg == nil {
		t.Fatal("expected a wired registry")
	}
	for name, v := range map[string]any{
		"LoginsTotal":       r.LoginsTotal,
		"RefreshesTotal":    r.RefreshesTotal,
		"SessionsDisplaced": r.SessionsDisplaced,
		"AlertsTotal":       r.AlertsTotal,
		"SweepDisabled":     r.SweepDisabled,
		"BundleGrants":      r.BundleGrants,
		"RequestLatency":    r.RequestLatency,
	} {
		if v == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.LoginsTotal.WithLabelValues("success").Inc()
	r.LoginsTotal.WithLabelValues("bad_password").Inc()
	r.RefreshesTotal.WithLabelValues("success").Inc()
	r.SessionsDisplaced.Inc()
	r.AlertsTotal.WithLabelValues("failed_login", "MEDIUM").Inc()
	r.SweepDisabled.Add(3)
	r.BundleGrants.WithLabelValues("download", "ok").Inc()
	r.RequestLatency.WithLabelValues("/api/v1/auth/login", "200").Observe(12.5)

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"sessiondesk_logins_total",
		"sessiondesk_token_refreshes_total",
		"sessiondesk_sessions_displaced_total",
		"sessiondesk_alerts_total",
		"sessiondesk_sweep_disabled_total",
		"sessiondesk_bundle_grants_total",
		"sessiondesk_request_latency_ms",
	} {
		if !names[want] {
			t.Errorf("metric %q missing from gather", want)
		}
	}
}

func TestHandlerServesExposition(t *testing.T) {
	r := New()
	r.LoginsTotal.WithLabelValues("success").Inc()

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sessiondesk_logins_total") {
		t.Error("exposition output missing login counter")
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.SweepDisabled.Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil && c.GetValue() > 0 {
				t.Errorf("fresh registry has non-zero counter %s", mf.GetName())
			}
		}
	}
}
