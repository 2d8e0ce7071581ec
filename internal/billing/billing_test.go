package billing

import (
	"testing"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestAddCycle(t *testing.T) {
	cases := []struct {
		name  string
		start string
		cycle string
		want  string
	}{
		{"daily", "2026-03-10T09:00:00Z", CycleDaily, "2026-03-11T09:00:00Z"},
		{"weekly", "2026-03-10T09:00:00Z", CycleWeekly, "2026-03-17T09:00:00Z"},
		{"monthly", "2026-03-10T09:00:00Z", CycleMonthly, "2026-04-10T09:00:00Z"},
		{"monthly clamps jan31", "2026-01-31T12:00:00Z", CycleMonthly, "2026-02-28T12:00:00Z"},
		{"monthly clamps leap", "2024-01-31T12:00:00Z", CycleMonthly, "2024-02-29T12:00:00Z"},
		{"monthly clamps may31", "2026-05-31T00:00:00Z", CycleMonthly, "2026-06-30T00:00:00Z"},
		{"three months", "2026-01-15T00:00:00Z", CycleThreeMonths, "2026-04-15T00:00:00Z"},
		{"three months clamp", "2025-11-30T00:00:00Z", CycleThreeMonths, "2026-02-28T00:00:00Z"},
		{"half year", "2026-01-31T00:00:00Z", CycleHalfYear, "2026-07-31T00:00:00Z"},
		{"yearly", "2026-02-10T00:00:00Z", CycleYearly, "2027-02-10T00:00:00Z"},
		{"yearly from leap day", "2024-02-29T00:00:00Z", CycleYearly, "2025-02-28T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AddCycle(mustTime(t, tc.start), tc.cycle)
			if err != nil {
				t.Fatalf("AddCycle error: %v", err)
			}
			if want := mustTime(t, tc.want); !got.Equal(want) {
				t.Errorf("AddCycle(%s, %s) = %s, want %s", tc.start, tc.cycle, got.Format(time.RFC3339), tc.want)
			}
		})
	}
}

func TestAddCycleUnknown(t *testing.T) {
	if _, err := AddCycle(time.Now(), "FORTNIGHTLY"); err == nil {
		t.Error("expected error for unknown cycle")
	}
}

func TestComputeStatus(t *testing.T) {
	now := mustTime(t, "2026-06-15T12:00:00Z")
	past := now.Add(-time.Hour)
	soon := now.Add(25 * time.Hour)
	later := now.Add(45 * 24 * time.Hour)

	cases := []struct {
		name     string
		user     store.UserRecord
		state    string
		source   string
		daysLeft int
	}{
		{
			name:  "no plan at all",
			user:  store.UserRecord{},
			state: StateNoPlan,
		},
		{
			name: "trial active",
			user: store.UserRecord{
				IsTrialActive: true,
				TrialEndDate:  &soon,
			},
			state:    StateActive,
			source:   "trial",
			daysLeft: 2,
		},
		{
			name: "billing active",
			user: store.UserRecord{
				IsBillingActive:     true,
				BillingCycleEndDate: &later,
			},
			state:    StateActive,
			source:   "billing",
			daysLeft: 45,
		},
		{
			name: "trial lapsed",
			user: store.UserRecord{
				IsTrialActive: true,
				TrialEndDate:  &past,
			},
			state: StateExpired,
		},
		{
			name: "cycle lapsed with flags already cleared",
			user: store.UserRecord{
				BillingCycleEndDate: &past,
			},
			state: StateExpired,
		},
		{
			name: "end exactly now is expired",
			user: store.UserRecord{
				IsBillingActive:     true,
				BillingCycleEndDate: &now,
			},
			state: StateExpired,
		},
		{
			name: "lapsed trial but live cycle",
			user: store.UserRecord{
				IsTrialActive:       false,
				TrialEndDate:        &past,
				IsBillingActive:     true,
				BillingCycleEndDate: &later,
			},
			state:    StateActive,
			source:   "billing",
			daysLeft: 45,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := ComputeStatus(&tc.user, now)
			if st.State != tc.state {
				t.Errorf("state = %q, want %q", st.State, tc.state)
			}
			if st.Source != tc.source {
				t.Errorf("source = %q, want %q", st.Source, tc.source)
			}
			if st.DaysRemaining != tc.daysLeft {
				t.Errorf("days remaining = %d, want %d", st.DaysRemaining, tc.daysLeft)
			}
		})
	}
}
