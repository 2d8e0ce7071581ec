package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sessiondesk/sessiondesk/internal/auth"
	"github.com/sessiondesk/sessiondesk/internal/store"
)

func countGrant(d Dependencies, kind string, err error) {
	if d.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.Metrics.BundleGrants.WithLabelValues(kind, outcome).Inc()
}

// MySessionsHandler handles GET /api/v1/sessions/my-sessions. Every client
// sees the one shared bundle presented as its own assigned session.
func MySessionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Bundle.Shared(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": []store.BundleRecord{*b},
		})
	}
}

// SharedStatsHandler handles GET /api/v1/sessions/shared-stats.
func SharedStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Bundle.Shared(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		events, err := d.Bundle.Events(r.Context(), b.ID, 20)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"bundle": b,
			"events": events,
		})
	}
}

// BundleCreateHandler handles POST /api/v1/sessions: registers a new pending
// bundle row, for deployments that stage a replacement alongside the live one.
func BundleCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		Name     string  `json:"name"`
		DomainID *string `json:"domainId"`
		ProxyID  *string `json:"proxyId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		existing, err := d.Store.GetBundleByName(r.Context(), req.Name)
		if err != nil {
			serviceError(w, err)
			return
		}
		if existing != nil {
			jsonError(w, "a session with that name already exists", http.StatusConflict)
			return
		}
		now := time.Now().UTC()
		b := store.BundleRecord{
			ID:        uuid.NewString(),
			Name:      req.Name,
			Status:    store.BundlePending,
			DomainID:  req.DomainID,
			ProxyID:   req.ProxyID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.Store.CreateBundle(r.Context(), b); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "bundle.create", "bundle", b.ID, b.Name)
		writeJSON(w, http.StatusCreated, map[string]any{"session": b})
	}
}

// BundleGetHandler handles GET /api/v1/sessions/{id} (admin view).
func BundleGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Bundle.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": b})
	}
}

// BundlesListHandler handles GET /api/v1/sessions (admin view).
func BundlesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bundles, err := d.Store.ListBundles(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": bundles})
	}
}

// RequestUploadHandler handles POST /api/v1/sessions/{id}/request-upload.
func RequestUploadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		grant, err := d.Bundle.RequestUpload(r.Context(), chi.URLParam(r, "id"), u.ID)
		countGrant(d, "upload", err)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "bundle.request_upload", "bundle", chi.URLParam(r, "id"), grant.BundleKey)
		writeJSON(w, http.StatusOK, grant)
	}
}

// CompleteUploadHandler handles POST /api/v1/sessions/{id}/complete-upload.
func CompleteUploadHandler(d Dependencies) http.HandlerFunc {
	type completeReq struct {
		Checksum      string `json:"checksum"`
		FileSizeBytes int64  `json:"fileSizeBytes"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		u := auth.UserFromContext(r.Context())
		b, err := d.Bundle.CompleteUpload(r.Context(), chi.URLParam(r, "id"), u.ID, req.Checksum, req.FileSizeBytes)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "bundle.complete_upload", "bundle", b.ID, b.BundleKey)
		writeJSON(w, http.StatusOK, map[string]any{"session": b})
	}
}

// RequestDownloadHandler handles POST /api/v1/sessions/{id}/request-download.
func RequestDownloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant, err := d.Bundle.RequestDownload(r.Context(), chi.URLParam(r, "id"))
		countGrant(d, "download", err)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// BundleMarkReadyHandler handles POST /api/v1/sessions/{id}/mark-ready. Used
// when the bundle object landed in the store out-of-band.
func BundleMarkReadyHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Bundle.SetStatus(r.Context(), chi.URLParam(r, "id"), store.BundleReady)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "bundle.mark_ready", "bundle", b.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"session": b})
	}
}

// BundlePatchHandler handles PATCH /api/v1/sessions/{id}: status moves and
// domain/proxy annotation.
func BundlePatchHandler(d Dependencies) http.HandlerFunc {
	type patchReq struct {
		Status   *string `json:"status"`
		DomainID *string `json:"domainId"`
		ProxyID  *string `json:"proxyId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		id := chi.URLParam(r, "id")
		if req.Status != nil {
			if _, err := d.Bundle.SetStatus(r.Context(), id, *req.Status); err != nil {
				serviceError(w, err)
				return
			}
		}
		b, err := d.Bundle.Get(r.Context(), id)
		if err != nil {
			serviceError(w, err)
			return
		}
		if req.DomainID != nil {
			b.DomainID = req.DomainID
		}
		if req.ProxyID != nil {
			b.ProxyID = req.ProxyID
		}
		if req.DomainID != nil || req.ProxyID != nil {
			if err := d.Store.UpdateBundle(r.Context(), *b); err != nil {
				serviceError(w, err)
				return
			}
		}
		audit(d, r, "bundle.update", "bundle", b.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"session": b})
	}
}

// BundleDeleteHandler handles DELETE /api/v1/sessions/{id}.
func BundleDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Bundle.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		if err := d.Store.DeleteBundle(r.Context(), b.ID); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "bundle.delete", "bundle", b.ID, b.Name)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// BundleReportEventHandler handles POST /api/v1/sessions/{id}/events.
func BundleReportEventHandler(d Dependencies) http.HandlerFunc {
	type eventReq struct {
		Level   string          `json:"level"`
		Message string          `json:"message"`
		Context json.RawMessage `json:"context"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Level == "" || req.Message == "" {
			jsonError(w, "level and message required", http.StatusBadRequest)
			return
		}
		u := auth.UserFromContext(r.Context())
		err := d.Bundle.ReportEvent(r.Context(), chi.URLParam(r, "id"), u.ID, req.Level, req.Message, string(req.Context))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
