// Package billing owns the paid-access state machine: cycle arithmetic,
// trial and paid-cycle projections on the user record, and the hourly sweeper
// that disables accounts whose window has lapsed.
package billing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// Billing cycles.
const (
	CycleDaily       = "DAILY"
	CycleWeekly      = "WEEKLY"
	CycleMonthly     = "MONTHLY"
	CycleThreeMonths = "THREE_MONTHS"
	CycleHalfYear    = "HALF_YEAR"
	CycleYearly      = "YEARLY"
)

// Billing event types.
const (
	EventCycleStarted = "CYCLE_STARTED"
	EventPaymentAdded = "PAYMENT_ADDED"
	EventTrialStarted = "TRIAL_STARTED"
	EventAutoDisabled = "AUTO_DISABLED"
)

// Access states reported by ComputeStatus.
const (
	StateActive  = "active"
	StateExpired = "expired"
	StateNoPlan  = "no_plan"
)

// ErrUnknownCycle is returned for cycle names outside the fixed set.
var ErrUnknownCycle = errors.New("unknown billing cycle")

// AddCycle returns start plus one billing cycle. Month-based cycles clamp the
// day of month: Jan 31 + MONTHLY is Feb 28 (or 29), not Mar 3.
func AddCycle(start time.Time, cycle string) (time.Time, error) {
	switch cycle {
	case CycleDaily:
		return start.AddDate(0, 0, 1), nil
	case CycleWeekly:
		return start.AddDate(0, 0, 7), nil
	case CycleMonthly:
		return addMonthsClamped(start, 1), nil
	case CycleThreeMonths:
		return addMonthsClamped(start, 3), nil
	case CycleHalfYear:
		return addMonthsClamped(start, 6), nil
	case CycleYearly:
		return addMonthsClamped(start, 12), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownCycle, cycle)
	}
}

// addMonthsClamped advances by whole months, clamping the day to the target
// month's length. time.AddDate normalizes overflow days into the next month,
// which is exactly the behavior billing must not have.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	// Normalize via the first of the month, then clamp the day.
	first := time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, months, 0)
	if max := daysIn(first.Year(), first.Month()); d > max {
		d = max
	}
	hh, mm, ss := t.Clock()
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Status is the derived access state of one account.
type Status struct {
	State         string     `json:"state"`
	Source        string     `json:"source,omitempty"` // "trial" or "billing" when active
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// ComputeStatus projects the user's billing fields into an access state at
// the given instant. End bounds are exclusive: a window ending exactly now is
// already expired.
func ComputeStatus(u *store.UserRecord, now time.Time) Status {
	if u.IsTrialActive && u.TrialEndDate != nil && u.TrialEndDate.After(now) {
		return Status{
			State:         StateActive,
			Source:        "trial",
			EndsAt:        u.TrialEndDate,
			DaysRemaining: daysRemaining(now, *u.TrialEndDate),
		}
	}
	if u.IsBillingActive && u.BillingCycleEndDate != nil && u.BillingCycleEndDate.After(now) {
		return Status{
			State:         StateActive,
			Source:        "billing",
			EndsAt:        u.BillingCycleEndDate,
			DaysRemaining: daysRemaining(now, *u.BillingCycleEndDate),
		}
	}
	if (u.TrialEndDate != nil && !u.TrialEndDate.After(now)) ||
		(u.BillingCycleEndDate != nil && !u.BillingCycleEndDate.After(now)) {
		return Status{State: StateExpired}
	}
	return Status{State: StateNoPlan}
}

// daysRemaining rounds up: 1 hour left is still 1 day remaining.
func daysRemaining(now, end time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
