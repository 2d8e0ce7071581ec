package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/auth"
	"github.com/sessiondesk/sessiondesk/internal/billing"
)

// LoginHandler handles POST /api/v1/auth/login.
func LoginHandler(d Dependencies) http.HandlerFunc {
	type loginReq struct {
		Email          string         `json:"email"`
		Password       string         `json:"password"`
		MACAddress     string         `json:"macAddress"`
		DeviceMetadata map[string]any `json:"deviceMetadata"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Email == "" || req.Password == "" {
			jsonError(w, "email and password required", http.StatusBadRequest)
			return
		}

		res, err := d.Engine.Login(r.Context(), auth.LoginInput{
			Email:     req.Email,
			Password:  req.Password,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			countLogin(d, err)
			serviceError(w, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.LoginsTotal.WithLabelValues("success").Inc()
			d.Metrics.SessionsDisplaced.Add(float64(len(res.Displaced)))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":   res.User,
			"tokens": res.Tokens,
		})
	}
}

func countLogin(d Dependencies, err error) {
	if d.Metrics == nil {
		return
	}
	outcome := "error"
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		outcome = "invalid_credentials"
	case errors.Is(err, auth.ErrAccountInactive):
		outcome = "account_inactive"
	case errors.Is(err, auth.ErrBillingExpired):
		outcome = "billing_expired"
	}
	d.Metrics.LoginsTotal.WithLabelValues(outcome).Inc()
}

// RefreshHandler handles POST /api/v1/auth/refresh.
func RefreshHandler(d Dependencies) http.HandlerFunc {
	type refreshReq struct {
		RefreshToken string `json:"refreshToken"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.RefreshToken == "" {
			jsonError(w, "refreshToken required", http.StatusBadRequest)
			return
		}

		pair, err := d.Engine.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			if d.Metrics != nil {
				d.Metrics.RefreshesTotal.WithLabelValues("error").Inc()
			}
			serviceError(w, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.RefreshesTotal.WithLabelValues("success").Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"tokens": pair})
	}
}

// MeHandler handles GET /api/v1/auth/me.
func MeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		st := billing.ComputeStatus(u, time.Now().UTC())
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    u,
			"billing": st,
		})
	}
}

// SessionStatusHandler handles GET /api/v1/auth/session-status. Reaching the
// handler at all means the middleware accepted the token as the current
// session, so the body is always affirmative.
func SessionStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  true,
			"userId": u.ID,
		})
	}
}

// LogoutHandler handles POST /api/v1/auth/logout.
func LogoutHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		if err := d.Engine.Logout(r.Context(), u.ID); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// BillingStatusHandler handles GET /api/v1/billing/status for the caller's
// own account.
func BillingStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		st, err := d.Billing.Status(r.Context(), u.ID)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
