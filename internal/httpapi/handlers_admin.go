package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// LoginHistoryHandler handles GET /api/v1/history/logins with an optional
// user_id filter.
func LoginHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		attempts, err := d.Store.ListLoginAttempts(r.Context(), r.URL.Query().Get("user_id"), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
	}
}

// UserLoginHistoryHandler handles GET /api/v1/users/{id}/history/logins.
func UserLoginHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		attempts, err := d.Store.ListLoginAttempts(r.Context(), chi.URLParam(r, "id"), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
	}
}

// SessionActivityHandler handles GET /api/v1/history/sessions: every
// currently-active session across accounts.
func SessionActivityHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		sessions, err := d.Store.ListActiveSessions(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

// UserSessionsHandler handles GET /api/v1/users/{id}/sessions: one account's
// session trail, newest first.
func UserSessionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		sessions, err := d.Store.ListSessions(r.Context(), chi.URLParam(r, "id"), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

// AuditListHandler handles GET /api/v1/audit.
func AuditListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
	}
}

// DomainsListHandler handles GET /api/v1/domains.
func DomainsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains, err := d.Store.ListDomains(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
	}
}

// DomainsUpsertHandler handles POST /api/v1/domains.
func DomainsUpsertHandler(d Dependencies) http.HandlerFunc {
	type domainReq struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		BaseURL string `json:"baseUrl"`
		Enabled *bool  `json:"enabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req domainReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.BaseURL == "" {
			jsonError(w, "name and baseUrl required", http.StatusBadRequest)
			return
		}
		rec := store.DomainRecord{
			ID:        req.ID,
			Name:      req.Name,
			BaseURL:   req.BaseURL,
			Enabled:   req.Enabled == nil || *req.Enabled,
			CreatedAt: time.Now().UTC(),
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if err := d.Store.UpsertDomain(r.Context(), rec); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "domain.upsert", "domain", rec.ID, rec.Name)
		writeJSON(w, http.StatusOK, map[string]any{"domain": rec})
	}
}

// DomainsDeleteHandler handles DELETE /api/v1/domains/{id}.
func DomainsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteDomain(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "domain.delete", "domain", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// ProxiesListHandler handles GET /api/v1/proxies.
func ProxiesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxies, err := d.Store.ListProxies(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
	}
}

// ProxiesUpsertHandler handles POST /api/v1/proxies.
func ProxiesUpsertHandler(d Dependencies) http.HandlerFunc {
	type proxyReq struct {
		ID       string `json:"id"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		Enabled  *bool  `json:"enabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxyReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
			jsonError(w, "host and a valid port required", http.StatusBadRequest)
			return
		}
		rec := store.ProxyRecord{
			ID:        req.ID,
			Host:      req.Host,
			Port:      req.Port,
			Username:  req.Username,
			Password:  req.Password,
			Enabled:   req.Enabled == nil || *req.Enabled,
			CreatedAt: time.Now().UTC(),
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if err := d.Store.UpsertProxy(r.Context(), rec); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "proxy.upsert", "proxy", rec.ID, rec.Host)
		writeJSON(w, http.StatusOK, map[string]any{"proxy": rec})
	}
}

// ProxiesDeleteHandler handles DELETE /api/v1/proxies/{id}.
func ProxiesDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteProxy(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "proxy.delete", "proxy", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
