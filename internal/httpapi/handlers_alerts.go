package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// AlertsListHandler handles GET /api/v1/alerts with optional user_id, type,
// severity, and unread filters.
func AlertsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		q := r.URL.Query()
		f := store.AlertFilter{
			UserID:           q.Get("user_id"),
			Type:             q.Get("type"),
			Severity:         q.Get("severity"),
			UnreadOnly:       q.Get("unread") == "true",
			IncludeDismissed: q.Get("include_dismissed") == "true",
			Limit:            limit,
			Offset:           offset,
		}
		alerts, err := d.Store.ListAlerts(r.Context(), f)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
	}
}

// AlertsUnreadCountHandler handles GET /api/v1/alerts/unread-count (the
// admin badge).
func AlertsUnreadCountHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := d.Store.CountUnreadAlerts(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unread": n})
	}
}

// AlertsStatsHandler handles GET /api/v1/alerts/stats.
func AlertsStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.Store.AlertStats(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
	}
}

func alertID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "bad alert id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// AlertMarkReadHandler handles PATCH /api/v1/alerts/{id}/read.
func AlertMarkReadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := alertID(w, r)
		if !ok {
			return
		}
		if err := d.Store.MarkAlertRead(r.Context(), id); err != nil {
			jsonError(w, "alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// AlertDismissHandler handles PATCH /api/v1/alerts/{id}/dismiss.
func AlertDismissHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := alertID(w, r)
		if !ok {
			return
		}
		if err := d.Store.DismissAlert(r.Context(), id); err != nil {
			jsonError(w, "alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
