package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// ErrUserNotFound is returned when the target account does not exist.
var ErrUserNotFound = errors.New("user not found")

// Service applies billing transitions to accounts and records the billing
// history trail.
type Service struct {
	store  store.Store
	logger *slog.Logger

	now func() time.Time
}

// NewService builds a billing service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger, now: time.Now}
}

// StartCycle begins a fresh paid cycle at now (or startDate when given),
// replacing any running trial. The previous cycle, if any, is discarded
// rather than extended.
func (s *Service) StartCycle(ctx context.Context, userID, cycle string, startDate *time.Time) (*store.UserRecord, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}

	start := s.now().UTC()
	if startDate != nil {
		start = startDate.UTC()
	}
	end, err := AddCycle(start, cycle)
	if err != nil {
		return nil, err
	}

	u.IsBillingActive = true
	u.BillingCycle = cycle
	u.BillingCycleStartDate = &start
	u.BillingCycleEndDate = &end
	u.IsTrialActive = false
	u.TrialStartDate = nil
	u.TrialEndDate = nil
	if u.Status == store.StatusDisabled {
		u.Status = store.StatusActive
	}
	u.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateUser(ctx, *u); err != nil {
		return nil, fmt.Errorf("start cycle: %w", err)
	}

	s.logEvent(ctx, userID, EventCycleStarted,
		fmt.Sprintf("%s cycle until %s", cycle, end.Format(time.RFC3339)))
	return u, nil
}

// AddPayment records a payment and extends paid access by one cycle. When the
// current cycle still has time left, the extension stacks on its end instead
// of starting from now. A payment never re-enables a disabled account.
func (s *Service) AddPayment(ctx context.Context, userID, cycle string, amount float64, memo, adminID string) (*store.UserRecord, *store.PaymentRecord, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return nil, nil, ErrUserNotFound
	}

	now := s.now().UTC()
	cycleStart := now
	if u.BillingCycleEndDate != nil && u.BillingCycleEndDate.After(now) {
		cycleStart = u.BillingCycleEndDate.UTC()
	}
	cycleEnd, err := AddCycle(cycleStart, cycle)
	if err != nil {
		return nil, nil, err
	}

	payment := store.PaymentRecord{
		UserID:         userID,
		Amount:         amount,
		Cycle:          cycle,
		PaymentDate:    now,
		CycleStartDate: cycleStart,
		CycleEndDate:   cycleEnd,
		Memo:           memo,
		CreatedBy:      adminID,
		CreatedAt:      now,
	}
	if err := s.store.InsertPayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("insert payment: %w", err)
	}

	u.IsBillingActive = true
	u.BillingCycle = cycle
	u.BillingCycleStartDate = &cycleStart
	u.BillingCycleEndDate = &cycleEnd
	u.IsTrialActive = false
	u.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, *u); err != nil {
		return nil, nil, fmt.Errorf("apply payment: %w", err)
	}

	s.logEvent(ctx, userID, EventPaymentAdded,
		fmt.Sprintf("%.2f for %s cycle until %s", amount, cycle, cycleEnd.Format(time.RFC3339)))
	return u, &payment, nil
}

// SetTrial grants a trial window of the given number of hours starting now,
// replacing any paid cycle. Trial and paid access are mutually exclusive: at
// most one of the two flags is ever set.
func (s *Service) SetTrial(ctx context.Context, userID string, hours int) (*store.UserRecord, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("trial hours must be positive, got %d", hours)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}

	start := s.now().UTC()
	end := start.Add(time.Duration(hours) * time.Hour)
	u.IsTrialActive = true
	u.TrialStartDate = &start
	u.TrialEndDate = &end
	u.IsBillingActive = false
	u.BillingCycle = ""
	u.BillingCycleStartDate = nil
	u.BillingCycleEndDate = nil
	u.UpdatedAt = start
	if err := s.store.UpdateUser(ctx, *u); err != nil {
		return nil, fmt.Errorf("set trial: %w", err)
	}

	s.logEvent(ctx, userID, EventTrialStarted,
		fmt.Sprintf("%d hour trial until %s", hours, end.Format(time.RFC3339)))
	return u, nil
}

// Status returns the derived access state for one account.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	st := ComputeStatus(u, s.now().UTC())
	return &st, nil
}

// History returns the billing event trail for one account.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]store.BillingEvent, error) {
	return s.store.ListBillingEvents(ctx, userID, limit, offset)
}

// Payments returns the payment rows for one account.
func (s *Service) Payments(ctx context.Context, userID string, limit, offset int) ([]store.PaymentRecord, error) {
	return s.store.ListPayments(ctx, userID, limit, offset)
}

// logEvent is best-effort: the billing transition already committed.
func (s *Service) logEvent(ctx context.Context, userID, eventType, detail string) {
	err := s.store.LogBillingEvent(ctx, store.BillingEvent{
		UserID:    userID,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("billing: event log failed",
			slog.String("event", eventType),
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}
