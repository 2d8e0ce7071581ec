package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, email string, mutate func(*UserRecord)) UserRecord {
	t.Helper()
	now := time.Now().UTC()
	u := UserRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "x",
		Role:         RoleUser,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if mutate != nil {
		mutate(&u)
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := testStore(t)
	seedUser(t, s, "dup@example.com", nil)

	now := time.Now().UTC()
	err := s.CreateUser(context.Background(), UserRecord{
		ID: uuid.NewString(), Email: "dup@example.com", PasswordHash: "y",
		Role: RoleUser, Status: StatusActive, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("want ErrDuplicateEmail, got %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	end := now.Add(30 * 24 * time.Hour)
	u := seedUser(t, s, "round@example.com", func(u *UserRecord) {
		u.Role = RoleOperator
		u.IsBillingActive = true
		u.BillingCycle = "MONTHLY"
		u.BillingCycleStartDate = &now
		u.BillingCycleEndDate = &end
	})

	got, err := s.GetUserByEmail(ctx, "round@example.com")
	if err != nil || got == nil {
		t.Fatalf("GetUserByEmail: %v, %v", got, err)
	}
	if got.ID != u.ID || got.Role != RoleOperator || !got.IsBillingActive {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.BillingCycleEndDate == nil || !got.BillingCycleEndDate.Equal(end) {
		t.Fatalf("cycle end not preserved: %v", got.BillingCycleEndDate)
	}
	if got.CurrentSessionToken != nil {
		t.Fatalf("fresh user should have no session token")
	}

	missing, err := s.GetUser(ctx, "no-such-id")
	if err != nil || missing != nil {
		t.Fatalf("missing user should be (nil, nil), got %v, %v", missing, err)
	}
}

func TestCommitLoginSingleActiveSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "single@example.com", nil)
	now := time.Now().UTC()

	invalidated, err := s.CommitLogin(ctx, CommitLoginParams{
		UserID: u.ID, Email: u.Email, AccessToken: "tok-1",
		IP: "1.1.1.1", DeviceFingerprint: "Chrome on macOS", Now: now,
	})
	if err != nil {
		t.Fatalf("first CommitLogin: %v", err)
	}
	if len(invalidated) != 0 {
		t.Fatalf("first login should displace nothing, got %d", len(invalidated))
	}

	invalidated, err = s.CommitLogin(ctx, CommitLoginParams{
		UserID: u.ID, Email: u.Email, AccessToken: "tok-2",
		IP: "2.2.2.2", DeviceFingerprint: "Chrome on Windows", Now: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second CommitLogin: %v", err)
	}
	if len(invalidated) != 1 || invalidated[0].SessionToken != "tok-1" {
		t.Fatalf("second login should displace tok-1, got %+v", invalidated)
	}

	sessions, err := s.ListSessions(ctx, u.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var active int
	for _, sess := range sessions {
		if sess.IsActive {
			active++
			if sess.SessionToken != "tok-2" {
				t.Fatalf("active session should hold tok-2, got %q", sess.SessionToken)
			}
		} else if sess.LogoutReason != LogoutNewLogin {
			t.Fatalf("displaced session reason = %q, want %q", sess.LogoutReason, LogoutNewLogin)
		}
	}
	if active != 1 {
		t.Fatalf("want exactly 1 active session, got %d", active)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil || got == nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.CurrentSessionToken == nil || *got.CurrentSessionToken != "tok-2" {
		t.Fatalf("current_session_token should be tok-2")
	}
	if got.LastLoginIP != "2.2.2.2" || got.LastLoginAt == nil {
		t.Fatalf("last-login stamps missing: ip=%q at=%v", got.LastLoginIP, got.LastLoginAt)
	}

	attempts, err := s.ListLoginAttempts(ctx, u.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListLoginAttempts: %v", err)
	}
	if len(attempts) != 2 || !attempts[0].Success {
		t.Fatalf("want 2 success history rows, got %+v", attempts)
	}
}

func TestCommitRefreshFollowsSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "refresh@example.com", nil)
	now := time.Now().UTC()

	if _, err := s.CommitLogin(ctx, CommitLoginParams{
		UserID: u.ID, Email: u.Email, AccessToken: "tok-old", IP: "1.1.1.1", Now: now,
	}); err != nil {
		t.Fatalf("CommitLogin: %v", err)
	}
	if err := s.CommitRefresh(ctx, u.ID, "tok-new", now.Add(time.Minute)); err != nil {
		t.Fatalf("CommitRefresh: %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if got.CurrentSessionToken == nil || *got.CurrentSessionToken != "tok-new" {
		t.Fatalf("user token not rotated")
	}
	sess, err := s.GetActiveSession(ctx, u.ID)
	if err != nil || sess == nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if sess.SessionToken != "tok-new" {
		t.Fatalf("session row should follow the refreshed token, got %q", sess.SessionToken)
	}
	if !sess.IsActive {
		t.Fatalf("refresh must not deactivate the session")
	}
}

func TestCloseSessionsClearsToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "close@example.com", nil)
	now := time.Now().UTC()

	if _, err := s.CommitLogin(ctx, CommitLoginParams{
		UserID: u.ID, Email: u.Email, AccessToken: "tok", IP: "1.1.1.1", Now: now,
	}); err != nil {
		t.Fatalf("CommitLogin: %v", err)
	}
	if err := s.CloseSessions(ctx, u.ID, LogoutForcedAdmin, now.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSessions: %v", err)
	}

	got, _ := s.GetUser(ctx, u.ID)
	if got.CurrentSessionToken != nil {
		t.Fatalf("current_session_token should be cleared")
	}
	sess, err := s.GetActiveSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	if sess != nil {
		t.Fatalf("no session should remain active, got %+v", sess)
	}
	all, _ := s.ListSessions(ctx, u.ID, 10, 0)
	if len(all) != 1 || all[0].LogoutReason != LogoutForcedAdmin || all[0].LogoutAt == nil {
		t.Fatalf("closed session should record reason and time, got %+v", all)
	}
}

func TestTouchSessionOnlyActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "touch@example.com", nil)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := s.CommitLogin(ctx, CommitLoginParams{
		UserID: u.ID, Email: u.Email, AccessToken: "tok", IP: "1.1.1.1", Now: now,
	}); err != nil {
		t.Fatalf("CommitLogin: %v", err)
	}
	later := now.Add(5 * time.Minute)
	if err := s.TouchSession(ctx, "tok", later); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	sess, _ := s.GetActiveSession(ctx, u.ID)
	if !sess.LastActivityAt.Equal(later) {
		t.Fatalf("last_activity_at = %v, want %v", sess.LastActivityAt, later)
	}
}

func TestSweepExpiredStoreLevel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	lapsed := seedUser(t, s, "lapsed@example.com", func(u *UserRecord) {
		u.IsBillingActive = true
		u.BillingCycle = "MONTHLY"
		u.BillingCycleEndDate = &past
	})
	trialOver := seedUser(t, s, "trial@example.com", func(u *UserRecord) {
		u.IsTrialActive = true
		u.TrialEndDate = &past
	})
	seedUser(t, s, "current@example.com", func(u *UserRecord) {
		u.IsBillingActive = true
		u.BillingCycle = "MONTHLY"
		u.BillingCycleEndDate = &future
	})
	seedUser(t, s, "noplan@example.com", nil)

	disabled, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(disabled) != 2 {
		t.Fatalf("want 2 disabled, got %d", len(disabled))
	}

	for _, id := range []string{lapsed.ID, trialOver.ID} {
		got, _ := s.GetUser(ctx, id)
		if got.Status != StatusDisabled || got.IsBillingActive || got.IsTrialActive {
			t.Fatalf("user %s not fully disabled: %+v", id, got)
		}
		events, _ := s.ListBillingEvents(ctx, id, 10, 0)
		if len(events) != 1 || events[0].EventType != "AUTO_DISABLED" {
			t.Fatalf("want one AUTO_DISABLED row for %s, got %+v", id, events)
		}
	}

	// Second pass is a no-op: no new disables, no duplicate history rows.
	disabled, err = s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("second SweepExpired: %v", err)
	}
	if len(disabled) != 0 {
		t.Fatalf("idempotent sweep should disable nothing, got %d", len(disabled))
	}
	events, _ := s.ListBillingEvents(ctx, lapsed.ID, 10, 0)
	if len(events) != 1 {
		t.Fatalf("sweep duplicated history rows: %+v", events)
	}
}

func TestCompleteUploadBindsCallerKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	b := BundleRecord{
		ID: uuid.NewString(), Name: "shared-session", Status: BundlePending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateBundle(ctx, b); err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}

	for i, up := range []BundleUpload{
		{ID: uuid.NewString(), BundleID: b.ID, UserID: "alice", BundleKey: "k-alice", RequestedAt: now},
		{ID: uuid.NewString(), BundleID: b.ID, UserID: "bob", BundleKey: "k-bob", RequestedAt: now.Add(time.Second)},
	} {
		if err := s.CreateBundleUpload(ctx, up); err != nil {
			t.Fatalf("CreateBundleUpload %d: %v", i, err)
		}
	}

	// Alice completes; the bundle must bind to alice's key even though bob
	// requested later.
	got, err := s.CompleteUpload(ctx, b.ID, "alice", "sha256:aa", 1024, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if got.Status != BundleReady || got.BundleKey != "k-alice" || got.BundleVersion != 1 {
		t.Fatalf("unexpected bundle after upload: %+v", got)
	}
	if got.Checksum != "sha256:aa" || got.FileSizeBytes != 1024 || got.LastSyncedAt == nil {
		t.Fatalf("upload metadata not recorded: %+v", got)
	}

	// Alice's grant is consumed.
	if _, err := s.CompleteUpload(ctx, b.ID, "alice", "sha256:bb", 1, now.Add(2*time.Minute)); !errors.Is(err, ErrNoPendingUpload) {
		t.Fatalf("want ErrNoPendingUpload after consume, got %v", err)
	}

	// Bob's pending grant still works and bumps the version again.
	got, err = s.CompleteUpload(ctx, b.ID, "bob", "sha256:cc", 2048, now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("bob CompleteUpload: %v", err)
	}
	if got.BundleKey != "k-bob" || got.BundleVersion != 2 {
		t.Fatalf("bob's completion should bind k-bob at version 2, got %+v", got)
	}

	if _, err := s.CompleteUpload(ctx, b.ID, "carol", "sha256:dd", 1, now); !errors.Is(err, ErrNoPendingUpload) {
		t.Fatalf("caller without a grant: want ErrNoPendingUpload, got %v", err)
	}
}

func TestAlertFiltersAndFlags(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	uid := "user-1"

	seed := []AlertRecord{
		{UserID: &uid, Type: "FAILED_LOGIN", Severity: "MEDIUM", Message: "m1", CreatedAt: now},
		{UserID: &uid, Type: "SUSPICIOUS_LOCATION", Severity: "HIGH", Message: "m2", CreatedAt: now.Add(time.Second)},
		{Type: "UNKNOWN_EMAIL", Severity: "LOW", Message: "m3", CreatedAt: now.Add(2 * time.Second)},
	}
	for i, a := range seed {
		if err := s.CreateAlert(ctx, a); err != nil {
			t.Fatalf("CreateAlert %d: %v", i, err)
		}
	}

	byUser, err := s.ListAlerts(ctx, AlertFilter{UserID: uid})
	if err != nil || len(byUser) != 2 {
		t.Fatalf("user filter: %d alerts, err %v", len(byUser), err)
	}
	byType, err := s.ListAlerts(ctx, AlertFilter{Type: "UNKNOWN_EMAIL"})
	if err != nil || len(byType) != 1 || byType[0].UserID != nil {
		t.Fatalf("type filter should return the system-scoped alert: %+v, %v", byType, err)
	}
	bySev, err := s.ListAlerts(ctx, AlertFilter{Severity: "HIGH"})
	if err != nil || len(bySev) != 1 || bySev[0].Message != "m2" {
		t.Fatalf("severity filter: %+v, %v", bySev, err)
	}

	n, err := s.CountUnreadAlerts(ctx)
	if err != nil || n != 3 {
		t.Fatalf("unread count = %d, err %v", n, err)
	}
	if err := s.MarkAlertRead(ctx, byUser[0].ID); err != nil {
		t.Fatalf("MarkAlertRead: %v", err)
	}
	if n, _ = s.CountUnreadAlerts(ctx); n != 2 {
		t.Fatalf("unread after read = %d, want 2", n)
	}
	if err := s.DismissAlert(ctx, byType[0].ID); err != nil {
		t.Fatalf("DismissAlert: %v", err)
	}
	remaining, _ := s.ListAlerts(ctx, AlertFilter{})
	if len(remaining) != 2 {
		t.Fatalf("dismissed alert should be hidden by default, got %d", len(remaining))
	}
	withDismissed, _ := s.ListAlerts(ctx, AlertFilter{IncludeDismissed: true})
	if len(withDismissed) != 3 {
		t.Fatalf("IncludeDismissed should show all 3, got %d", len(withDismissed))
	}

	if err := s.MarkAlertRead(ctx, 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing alert: want sql.ErrNoRows, got %v", err)
	}

	stats, err := s.AlertStats(ctx)
	if err != nil {
		t.Fatalf("AlertStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats exclude dismissed groups: %+v", stats)
	}
}

func TestCountRecentFailuresWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	uid := "user-1"

	for _, at := range []time.Time{now.Add(-30 * time.Minute), now.Add(-5 * time.Minute), now.Add(-time.Minute)} {
		if err := s.LogLoginAttempt(ctx, LoginAttempt{
			UserID: uid, Email: "a@b.c", Success: false, FailureReason: "bad_password", CreatedAt: at,
		}); err != nil {
			t.Fatalf("LogLoginAttempt: %v", err)
		}
	}
	// A success inside the window must not count.
	if err := s.LogLoginAttempt(ctx, LoginAttempt{
		UserID: uid, Email: "a@b.c", Success: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("LogLoginAttempt: %v", err)
	}

	n, err := s.CountRecentFailures(ctx, uid, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("CountRecentFailures: %v", err)
	}
	if n != 2 {
		t.Fatalf("failures in window = %d, want 2", n)
	}
}

// Timestamp columns are compared as strings, so whole-second and sub-second
// values must share one fixed-width encoding or they sort out of order.
func TestTimestampComparisonsAcrossSecondBoundary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	since := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	uid := "user-1"

	for _, at := range []time.Time{since, since.Add(500 * time.Millisecond)} {
		if err := s.LogLoginAttempt(ctx, LoginAttempt{
			UserID: uid, Email: "a@b.c", Success: false, FailureReason: "bad_password", CreatedAt: at,
		}); err != nil {
			t.Fatalf("LogLoginAttempt: %v", err)
		}
	}
	n, err := s.CountRecentFailures(ctx, uid, since)
	if err != nil {
		t.Fatalf("CountRecentFailures: %v", err)
	}
	if n != 2 {
		t.Fatalf("failures since whole-second boundary = %d, want 2", n)
	}

	// A cycle ending on a whole second must be swept by a sub-second now.
	end := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	seedUser(t, s, "boundary@example.com", func(u *UserRecord) {
		u.IsBillingActive = true
		u.BillingCycle = "MONTHLY"
		u.BillingCycleEndDate = &end
	})
	swept, err := s.SweepExpired(ctx, end.Add(250*time.Millisecond))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(swept) != 1 || swept[0].Email != "boundary@example.com" {
		t.Fatalf("swept = %+v, want the boundary user", swept)
	}
}

func TestCountOperatorRoots(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.CountOperatorRoots(ctx)
	if err != nil || n != 0 {
		t.Fatalf("empty store: count = %d, err %v", n, err)
	}
	seedUser(t, s, "root@example.com", func(u *UserRecord) { u.Role = RoleOperatorRoot })
	seedUser(t, s, "op@example.com", func(u *UserRecord) { u.Role = RoleOperator })
	if n, _ = s.CountOperatorRoots(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestDomainProxyUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := DomainRecord{ID: uuid.NewString(), Name: "app", BaseURL: "https://app.example.com", Enabled: true, CreatedAt: now}
	if err := s.UpsertDomain(ctx, d); err != nil {
		t.Fatalf("UpsertDomain: %v", err)
	}
	d.BaseURL = "https://app2.example.com"
	d.Enabled = false
	if err := s.UpsertDomain(ctx, d); err != nil {
		t.Fatalf("UpsertDomain update: %v", err)
	}
	domains, err := s.ListDomains(ctx)
	if err != nil || len(domains) != 1 {
		t.Fatalf("ListDomains: %d, %v", len(domains), err)
	}
	if domains[0].BaseURL != "https://app2.example.com" || domains[0].Enabled {
		t.Fatalf("upsert did not update in place: %+v", domains[0])
	}

	p := ProxyRecord{ID: uuid.NewString(), Host: "10.0.0.1", Port: 8080, Username: "u", Password: "p", Enabled: true, CreatedAt: now}
	if err := s.UpsertProxy(ctx, p); err != nil {
		t.Fatalf("UpsertProxy: %v", err)
	}
	p.Port = 3128
	if err := s.UpsertProxy(ctx, p); err != nil {
		t.Fatalf("UpsertProxy update: %v", err)
	}
	proxies, err := s.ListProxies(ctx)
	if err != nil || len(proxies) != 1 || proxies[0].Port != 3128 {
		t.Fatalf("proxy upsert: %+v, %v", proxies, err)
	}

	if err := s.DeleteProxy(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProxy: %v", err)
	}
	if proxies, _ = s.ListProxies(ctx); len(proxies) != 0 {
		t.Fatalf("proxy not deleted")
	}
	if err := s.DeleteDomain(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDomain: %v", err)
	}
	if domains, _ = s.ListDomains(ctx); len(domains) != 0 {
		t.Fatalf("domain not deleted")
	}
}

func TestListActiveSessionsAcrossUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedUser(t, s, "a@example.com", nil)
	b := seedUser(t, s, "b@example.com", nil)
	for i, u := range []UserRecord{a, b} {
		if _, err := s.CommitLogin(ctx, CommitLoginParams{
			UserID: u.ID, Email: u.Email, AccessToken: "tok-" + u.ID,
			IP: "1.1.1.1", Now: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("CommitLogin: %v", err)
		}
	}
	if err := s.CloseSessions(ctx, a.ID, LogoutManual, now.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSessions: %v", err)
	}

	active, err := s.ListActiveSessions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].UserID != b.ID {
		t.Fatalf("want only b's session active, got %+v", active)
	}
}
