// Package httpapi mounts the versioned HTTP surface: public auth endpoints,
// the authenticated client routes, and the role-gated admin routes.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sessiondesk/sessiondesk/internal/auth"
	"github.com/sessiondesk/sessiondesk/internal/billing"
	"github.com/sessiondesk/sessiondesk/internal/bundle"
	"github.com/sessiondesk/sessiondesk/internal/metrics"
	"github.com/sessiondesk/sessiondesk/internal/store"
)

// Dependencies carries the wired subsystems handlers close over.
type Dependencies struct {
	Store   store.Store
	Engine  *auth.Engine
	Auth    *auth.Middleware
	Billing *billing.Service
	Bundle  *bundle.Service
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// MountRoutes attaches every route to r. The middleware stack runs for all of
// /api/v1 except login, refresh, and the health probe.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthHandler(d))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", LoginHandler(d))
		r.Post("/auth/refresh", RefreshHandler(d))

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Authenticate)

			r.Get("/auth/me", MeHandler(d))
			r.Get("/auth/session-status", SessionStatusHandler(d))
			r.Post("/auth/logout", LogoutHandler(d))
			r.Get("/billing/status", BillingStatusHandler(d))

			// Bundle paths reachable by every active account.
			r.Get("/sessions/my-sessions", MySessionsHandler(d))
			r.Get("/sessions/shared-stats", SharedStatsHandler(d))
			r.Post("/sessions/{id}/request-download", RequestDownloadHandler(d))
			r.Post("/sessions/{id}/events", BundleReportEventHandler(d))

			// Read-only investigation surface for support staff and above.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(store.RoleSupport))
				r.Get("/alerts", AlertsListHandler(d))
				r.Get("/alerts/unread-count", AlertsUnreadCountHandler(d))
				r.Get("/alerts/stats", AlertsStatsHandler(d))
				r.Get("/history/logins", LoginHistoryHandler(d))
				r.Get("/history/sessions", SessionActivityHandler(d))
				r.Get("/users/{id}/history/logins", UserLoginHistoryHandler(d))
				r.Get("/users/{id}/sessions", UserSessionsHandler(d))
			})

			// Operator surface: user management, bundle publishing, billing.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(store.RoleOperator))

				r.Get("/users", UsersListHandler(d))
				r.Post("/users", UsersCreateHandler(d))
				r.Get("/users/{id}", UsersGetHandler(d))
				r.Patch("/users/{id}", UsersPatchHandler(d))
				r.Patch("/users/{id}/status", UsersStatusHandler(d))
				r.Patch("/users/{id}/password", UsersPasswordHandler(d))
				r.Post("/users/{id}/force-logout", UsersForceLogoutHandler(d))

				r.Patch("/alerts/{id}/read", AlertMarkReadHandler(d))
				r.Patch("/alerts/{id}/dismiss", AlertDismissHandler(d))

				r.Get("/sessions", BundlesListHandler(d))
				r.Post("/sessions", BundleCreateHandler(d))
				r.Get("/sessions/{id}", BundleGetHandler(d))
				r.Post("/sessions/{id}/request-upload", RequestUploadHandler(d))
				r.Post("/sessions/{id}/complete-upload", CompleteUploadHandler(d))

				r.Post("/users/{id}/billing/start-cycle", BillingStartCycleHandler(d))
				r.Post("/users/{id}/billing/payments", BillingAddPaymentHandler(d))
				r.Post("/users/{id}/billing/trial", BillingSetTrialHandler(d))
				r.Get("/users/{id}/billing/status", BillingUserStatusHandler(d))
				r.Get("/users/{id}/billing/payments", BillingPaymentsHandler(d))
				r.Get("/users/{id}/billing/history", BillingHistoryHandler(d))
			})

			// Root-only: destructive user ops, forced bundle transitions,
			// infrastructure catalog, audit trail.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(store.RoleOperatorRoot))

				r.Delete("/users/{id}", UsersDeleteHandler(d))
				r.Patch("/users/{id}/role", UsersRoleHandler(d))

				r.Post("/sessions/{id}/mark-ready", BundleMarkReadyHandler(d))
				r.Patch("/sessions/{id}", BundlePatchHandler(d))
				r.Delete("/sessions/{id}", BundleDeleteHandler(d))

				r.Get("/audit", AuditListHandler(d))

				r.Get("/domains", DomainsListHandler(d))
				r.Post("/domains", DomainsUpsertHandler(d))
				r.Delete("/domains/{id}", DomainsDeleteHandler(d))
				r.Get("/proxies", ProxiesListHandler(d))
				r.Post("/proxies", ProxiesUpsertHandler(d))
				r.Delete("/proxies/{id}", ProxiesDeleteHandler(d))
			})
		})
	})
}

// HealthHandler reports liveness plus a store round-trip.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.Store.CountOperatorRoots(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"store":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
