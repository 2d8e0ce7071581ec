package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sessiondesk/sessiondesk/internal/auth"
	"github.com/sessiondesk/sessiondesk/internal/billing"
	"github.com/sessiondesk/sessiondesk/internal/bundle"
	"github.com/sessiondesk/sessiondesk/internal/store"
	"github.com/sessiondesk/sessiondesk/internal/token"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// jsonErrorReason is jsonError plus a machine-readable reason field, used for
// the 401 variants desktop clients must tell apart.
func jsonErrorReason(w http.ResponseWriter, msg, reason string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "reason": reason})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// warnOnErr logs a background write failure without failing the request.
func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("background operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
}

// serviceError maps a domain error onto its HTTP response. Upstream failures
// get a generic body; the detail stays in the logs.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrInvalid):
		jsonError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrBillingExpired):
		jsonError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, bundle.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateEmail),
		errors.Is(err, bundle.ErrNotReady),
		errors.Is(err, bundle.ErrNoPendingUpload):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, billing.ErrUnknownCycle):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, bundle.ErrUpstream):
		slog.Error("upstream failure", slog.String("error", err.Error()))
		jsonError(w, "object store unavailable", http.StatusBadGateway)
	default:
		slog.Error("internal error", slog.String("error", err.Error()))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// pagination reads limit/offset query params with sane caps.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n := atoiClamp(v, 1, 500); n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset = atoiClamp(v, 0, 1<<30)
	}
	return limit, offset
}

func atoiClamp(s string, lo, hi int) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return lo
		}
		n = n*10 + int(c-'0')
		if n > hi {
			return hi
		}
	}
	if n < lo {
		return lo
	}
	return n
}

// clientIP prefers the de-facto proxy header over the socket address.
func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		for i := 0; i < len(v); i++ {
			if v[i] == ',' {
				return v[:i]
			}
		}
		return v
	}
	return r.RemoteAddr
}
