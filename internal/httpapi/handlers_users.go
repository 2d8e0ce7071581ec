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

func validRole(r string) bool {
	switch r {
	case store.RoleOperatorRoot, store.RoleOperator, store.RoleSupport, store.RoleUser:
		return true
	}
	return false
}

func validStatus(s string) bool {
	switch s {
	case store.StatusActive, store.StatusSuspended, store.StatusDisabled:
		return true
	}
	return false
}

func audit(d Dependencies, r *http.Request, action, targetType, targetID, detail string) {
	actor := auth.UserFromContext(r.Context())
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp:  time.Now().UTC(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}))
}

// loadUser fetches the {id} path param's user or writes a 404.
func loadUser(d Dependencies, w http.ResponseWriter, r *http.Request) *store.UserRecord {
	u, err := d.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return nil
	}
	if u == nil {
		jsonError(w, "user not found", http.StatusNotFound)
		return nil
	}
	return u
}

// UsersListHandler handles GET /api/v1/users.
func UsersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		users, err := d.Store.ListUsers(r.Context(), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

// UsersCreateHandler handles POST /api/v1/users.
func UsersCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Email == "" || req.Password == "" {
			jsonError(w, "email and password required", http.StatusBadRequest)
			return
		}
		if req.Role == "" {
			req.Role = store.RoleUser
		}
		if !validRole(req.Role) {
			jsonError(w, "unknown role", http.StatusBadRequest)
			return
		}
		// Only a root operator may mint privileged accounts.
		actor := auth.UserFromContext(r.Context())
		if req.Role != store.RoleUser && actor.Role != store.RoleOperatorRoot {
			jsonError(w, "insufficient role", http.StatusForbidden)
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			serviceError(w, err)
			return
		}
		now := time.Now().UTC()
		u := store.UserRecord{
			ID:           uuid.NewString(),
			Email:        req.Email,
			PasswordHash: hash,
			Role:         req.Role,
			Status:       store.StatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := d.Store.CreateUser(r.Context(), u); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "user.create", "user", u.ID, u.Email)
		writeJSON(w, http.StatusCreated, map[string]any{"user": u})
	}
}

// UsersGetHandler handles GET /api/v1/users/{id}.
func UsersGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// UsersPatchHandler handles PATCH /api/v1/users/{id} (email only; role,
// status, and password have dedicated routes).
func UsersPatchHandler(d Dependencies) http.HandlerFunc {
	type patchReq struct {
		Email *string `json:"email"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		var req patchReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Email != nil {
			if *req.Email == "" {
				jsonError(w, "email cannot be empty", http.StatusBadRequest)
				return
			}
			u.Email = *req.Email
		}
		u.UpdatedAt = time.Now().UTC()
		if err := d.Store.UpdateUser(r.Context(), *u); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "user.update", "user", u.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// UsersStatusHandler handles PATCH /api/v1/users/{id}/status.
func UsersStatusHandler(d Dependencies) http.HandlerFunc {
	type statusReq struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		var req statusReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validStatus(req.Status) {
			jsonError(w, "unknown status", http.StatusBadRequest)
			return
		}
		u.Status = req.Status
		u.UpdatedAt = time.Now().UTC()
		if err := d.Store.UpdateUser(r.Context(), *u); err != nil {
			serviceError(w, err)
			return
		}
		// Taking an account out of service also ends its session.
		if req.Status != store.StatusActive {
			warnOnErr("force_logout", d.Engine.ForceLogout(r.Context(), u.ID))
		}
		audit(d, r, "user.status", "user", u.ID, req.Status)
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// UsersRoleHandler handles PATCH /api/v1/users/{id}/role.
func UsersRoleHandler(d Dependencies) http.HandlerFunc {
	type roleReq struct {
		Role string `json:"role"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		var req roleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validRole(req.Role) {
			jsonError(w, "unknown role", http.StatusBadRequest)
			return
		}
		if u.Role == store.RoleOperatorRoot && req.Role != store.RoleOperatorRoot {
			n, err := d.Store.CountOperatorRoots(r.Context())
			if err != nil {
				serviceError(w, err)
				return
			}
			if n <= 1 {
				jsonError(w, "cannot demote the last operator-root", http.StatusConflict)
				return
			}
		}
		u.Role = req.Role
		u.UpdatedAt = time.Now().UTC()
		if err := d.Store.UpdateUser(r.Context(), *u); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "user.role", "user", u.ID, req.Role)
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// UsersPasswordHandler handles PATCH /api/v1/users/{id}/password.
func UsersPasswordHandler(d Dependencies) http.HandlerFunc {
	type passwordReq struct {
		Password string `json:"password"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		var req passwordReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
			jsonError(w, "password required", http.StatusBadRequest)
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			serviceError(w, err)
			return
		}
		u.PasswordHash = hash
		u.UpdatedAt = time.Now().UTC()
		if err := d.Store.UpdateUser(r.Context(), *u); err != nil {
			serviceError(w, err)
			return
		}
		// A credential change invalidates the current session.
		warnOnErr("force_logout", d.Engine.ForceLogout(r.Context(), u.ID))
		audit(d, r, "user.password", "user", u.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// UsersDeleteHandler handles DELETE /api/v1/users/{id}.
func UsersDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		if u.Role == store.RoleOperatorRoot {
			n, err := d.Store.CountOperatorRoots(r.Context())
			if err != nil {
				serviceError(w, err)
				return
			}
			if n <= 1 {
				jsonError(w, "cannot delete the last operator-root", http.StatusConflict)
				return
			}
		}
		if err := d.Store.DeleteUser(r.Context(), u.ID); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "user.delete", "user", u.ID, u.Email)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// UsersForceLogoutHandler handles POST /api/v1/users/{id}/force-logout.
func UsersForceLogoutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := loadUser(d, w, r)
		if u == nil {
			return
		}
		if err := d.Engine.ForceLogout(r.Context(), u.ID); err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "user.force_logout", "user", u.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
