package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sessiondesk/sessiondesk/internal/auth"
)

// BillingStartCycleHandler handles POST /api/v1/users/{id}/billing/start-cycle.
func BillingStartCycleHandler(d Dependencies) http.HandlerFunc {
	type startReq struct {
		Cycle     string     `json:"cycle"`
		StartDate *time.Time `json:"startDate"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req startReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		u, err := d.Billing.StartCycle(r.Context(), chi.URLParam(r, "id"), req.Cycle, req.StartDate)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "billing.start_cycle", "user", u.ID, req.Cycle)
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// BillingAddPaymentHandler handles POST /api/v1/users/{id}/billing/payments.
func BillingAddPaymentHandler(d Dependencies) http.HandlerFunc {
	type paymentReq struct {
		Cycle  string  `json:"cycle"`
		Amount float64 `json:"amount"`
		Memo   string  `json:"memo"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req paymentReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Amount <= 0 {
			jsonError(w, "amount must be positive", http.StatusBadRequest)
			return
		}
		actor := auth.UserFromContext(r.Context())
		u, p, err := d.Billing.AddPayment(r.Context(), chi.URLParam(r, "id"), req.Cycle, req.Amount, req.Memo, actor.ID)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "billing.add_payment", "user", u.ID, req.Cycle)
		writeJSON(w, http.StatusCreated, map[string]any{"user": u, "payment": p})
	}
}

// BillingSetTrialHandler handles POST /api/v1/users/{id}/billing/trial.
func BillingSetTrialHandler(d Dependencies) http.HandlerFunc {
	type trialReq struct {
		Hours int `json:"hours"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req trialReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Hours <= 0 {
			jsonError(w, "hours must be positive", http.StatusBadRequest)
			return
		}
		u, err := d.Billing.SetTrial(r.Context(), chi.URLParam(r, "id"), req.Hours)
		if err != nil {
			serviceError(w, err)
			return
		}
		audit(d, r, "billing.set_trial", "user", u.ID, "")
		writeJSON(w, http.StatusOK, map[string]any{"user": u})
	}
}

// BillingUserStatusHandler handles GET /api/v1/users/{id}/billing/status.
func BillingUserStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := d.Billing.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// BillingPaymentsHandler handles GET /api/v1/users/{id}/billing/payments.
func BillingPaymentsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		payments, err := d.Billing.Payments(r.Context(), chi.URLParam(r, "id"), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

// BillingHistoryHandler handles GET /api/v1/users/{id}/billing/history.
func BillingHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		events, err := d.Billing.History(r.Context(), chi.URLParam(r, "id"), limit, offset)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": events})
	}
}
