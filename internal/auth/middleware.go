package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/store"
	"github.com/sessiondesk/sessiondesk/internal/token"
)

type contextKey int

const userKey contextKey = iota

// Machine-readable reasons carried alongside 401 bodies so desktop clients
// can distinguish "refresh your token" from "you were logged out elsewhere".
const (
	ReasonTokenExpired = "token_expired"
	ReasonDisplaced    = "logged_out_from_another_device"
)

// UserFromContext returns the authenticated account, or nil outside the
// middleware.
func UserFromContext(ctx context.Context) *store.UserRecord {
	u, _ := ctx.Value(userKey).(*store.UserRecord)
	return u
}

// roleRank orders roles for minimum-role gates.
var roleRank = map[string]int{
	store.RoleUser:         0,
	store.RoleSupport:      1,
	store.RoleOperator:     2,
	store.RoleOperatorRoot: 3,
}

// Middleware authenticates bearer tokens and enforces the single-session
// rule on every request.
type Middleware struct {
	store  store.Store
	codec  *token.Codec
	logger *slog.Logger

	now func() time.Time
}

// NewMiddleware builds the auth middleware.
func NewMiddleware(s store.Store, codec *token.Codec, logger *slog.Logger) *Middleware {
	return &Middleware{store: s, codec: codec, logger: logger, now: time.Now}
}

// Authenticate verifies the bearer token, loads the account, and rejects
// tokens displaced by a newer login. The account lands in the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeAuthError(w, http.StatusUnauthorized, "authorization required", "")
			return
		}
		claims, err := m.codec.VerifyAccess(raw)
		if err != nil {
			if errors.Is(err, token.ErrExpired) {
				writeAuthError(w, http.StatusUnauthorized, "token expired", ReasonTokenExpired)
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}

		u, err := m.store.GetUser(r.Context(), claims.UserID())
		if err != nil {
			m.logger.Error("auth: load user", slog.String("error", err.Error()))
			writeAuthError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		if u == nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		if u.Status != store.StatusActive {
			writeAuthError(w, http.StatusForbidden, "account is not active", "")
			return
		}
		// The single-session check: only the most recent login's access token
		// matches the stored session token.
		if u.CurrentSessionToken == nil || *u.CurrentSessionToken != raw {
			writeAuthError(w, http.StatusUnauthorized, "session superseded", ReasonDisplaced)
			return
		}

		// Activity stamping is best-effort; a miss never fails the request.
		if err := m.store.TouchSession(r.Context(), raw, m.now().UTC()); err != nil {
			m.logger.Debug("auth: touch session", slog.String("error", err.Error()))
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// RequireRole gates a subtree on a minimum role. Must run after Authenticate.
func RequireRole(minRole string) func(http.Handler) http.Handler {
	min := roleRank[minRole]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFromContext(r.Context())
			if u == nil {
				writeAuthError(w, http.StatusUnauthorized, "authorization required", "")
				return
			}
			if roleRank[u.Role] < min {
				writeAuthError(w, http.StatusForbidden, "insufficient role", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, msg, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	_ = json.NewEncoder(w).Encode(body)
}
