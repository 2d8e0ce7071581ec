package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/alert"
	"github.com/sessiondesk/sessiondesk/internal/geo"
	"github.com/sessiondesk/sessiondesk/internal/store"
	"github.com/sessiondesk/sessiondesk/internal/token"
)

const (
	testPassword = "correct horse battery staple"
	chromeOnMac  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	chromeOnWin  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func testEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec := token.NewCodec("access-secret", "refresh-secret", time.Hour, 24*time.Hour)
	return NewEngine(s, codec, geo.Noop{}, alert.NewGenerator(s, logger), logger), s
}

func createAccount(t *testing.T, s store.Store, email string, mutate func(*store.UserRecord)) string {
	t.Helper()
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := time.Now().UTC()
	end := now.Add(30 * 24 * time.Hour)
	u := store.UserRecord{
		ID:                  "user-" + email,
		Email:               email,
		PasswordHash:        hash,
		Role:                store.RoleUser,
		Status:              store.StatusActive,
		IsBillingActive:     true,
		BillingCycle:        "MONTHLY",
		BillingCycleEndDate: &end,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if mutate != nil {
		mutate(&u)
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func TestLoginSuccess(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	res, err := e.Login(ctx, LoginInput{
		Email:     "alice@example.com",
		Password:  testPassword,
		IP:        "203.0.113.9",
		UserAgent: chromeOnMac,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
	if len(res.Displaced) != 0 {
		t.Errorf("first login displaced %d sessions", len(res.Displaced))
	}

	u, err := s.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.CurrentSessionToken == nil || *u.CurrentSessionToken != res.Tokens.AccessToken {
		t.Error("current session token not bound to the minted access token")
	}
	if u.LastLoginAt == nil || u.LastLoginIP != "203.0.113.9" {
		t.Errorf("last-login fields not stamped: %+v", u)
	}

	sess, err := s.GetActiveSession(ctx, id)
	if err != nil {
		t.Fatalf("get active session: %v", err)
	}
	if sess == nil || !sess.IsActive {
		t.Fatal("expected one active session")
	}
	if sess.DeviceFingerprint == "" {
		t.Error("device fingerprint not captured")
	}

	history, err := s.ListLoginAttempts(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(history) != 1 || !history[0].Success {
		t.Errorf("expected one success history row, got %+v", history)
	}
}

func TestSecondLoginDisplacesFirst(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	first, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9", UserAgent: chromeOnMac})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "198.51.100.7", UserAgent: chromeOnWin})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if len(second.Displaced) != 1 {
		t.Fatalf("displaced = %d sessions, want 1", len(second.Displaced))
	}
	if second.Displaced[0].SessionToken != first.Tokens.AccessToken {
		t.Error("displaced session is not the first login's")
	}

	// Exactly one active session remains, bound to the second token.
	sessions, err := s.ListSessions(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	active := 0
	for _, sess := range sessions {
		if sess.IsActive {
			active++
			if sess.SessionToken != second.Tokens.AccessToken {
				t.Error("surviving session is not the newest login")
			}
		} else if sess.LogoutReason != store.LogoutNewLogin {
			t.Errorf("displaced session reason = %q", sess.LogoutReason)
		}
	}
	if active != 1 {
		t.Errorf("active sessions = %d, want 1", active)
	}

	// Cross-device displacement raises an alert.
	alerts, err := s.ListAlerts(ctx, store.AlertFilter{Type: alert.TypeMultipleDeviceLogin})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("multiple-device alerts = %d, want 1", len(alerts))
	}
}

func TestSameDeviceReloginStillAlerts(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	createAccount(t, s, "alice@example.com", nil)

	in := LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9", UserAgent: chromeOnMac}
	if _, err := e.Login(ctx, in); err != nil {
		t.Fatalf("first login: %v", err)
	}
	// Same device, same IP: the takeover is still recorded as an alert.
	if _, err := e.Login(ctx, in); err != nil {
		t.Fatalf("second login: %v", err)
	}

	alerts, err := s.ListAlerts(ctx, store.AlertFilter{Type: alert.TypeMultipleDeviceLogin})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("displacement alerts = %d, want 1", len(alerts))
	}
}

func TestConcurrentLoginsLeaveOneSession(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	// Two simultaneous logins for one account: the single SQLite writer
	// serializes the commits and the later committer's token wins.
	results := make([]*LoginResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ua := range []string{chromeOnMac, chromeOnWin} {
		wg.Add(1)
		go func(i int, ua string) {
			defer wg.Done()
			results[i], errs[i] = e.Login(ctx, LoginInput{
				Email:     "alice@example.com",
				Password:  testPassword,
				IP:        "203.0.113.9",
				UserAgent: ua,
			})
		}(i, ua)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
	}

	sessions, err := s.ListSessions(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var active *store.SessionRecord
	for i := range sessions {
		if sessions[i].IsActive {
			if active != nil {
				t.Fatal("more than one active session survived")
			}
			active = &sessions[i]
		}
	}
	if active == nil {
		t.Fatal("no active session survived")
	}

	u, err := s.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.CurrentSessionToken == nil || *u.CurrentSessionToken != active.SessionToken {
		t.Error("current session token does not match the surviving session")
	}
	if *u.CurrentSessionToken != results[0].Tokens.AccessToken &&
		*u.CurrentSessionToken != results[1].Tokens.AccessToken {
		t.Error("winning token is neither login's access token")
	}
}

// fixedResolver maps IPs to locations, standing in for the geo provider.
type fixedResolver struct {
	locs map[string]*geo.Location
}

func (r fixedResolver) Resolve(_ context.Context, ip string) (*geo.Location, error) {
	return r.locs[ip], nil
}

func TestImplausibleTravelRaisesAlert(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	e.geo = fixedResolver{locs: map[string]*geo.Location{
		"203.0.113.9":  {City: "New York", Country: "United States", Lat: 40.7128, Lon: -74.0060},
		"198.51.100.7": {City: "San Francisco", Country: "United States", Lat: 37.7749, Lon: -122.4194},
	}}

	if _, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9", UserAgent: chromeOnMac}); err != nil {
		t.Fatalf("first login: %v", err)
	}
	// A coast-to-coast hop minutes later is not plausible travel.
	if _, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "198.51.100.7", UserAgent: chromeOnWin}); err != nil {
		t.Fatalf("second login: %v", err)
	}

	alerts, err := s.ListAlerts(ctx, store.AlertFilter{Type: alert.TypeSuspiciousLocation})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("suspicious-location alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != alert.SeverityHigh {
		t.Errorf("severity = %q, want %q", alerts[0].Severity, alert.SeverityHigh)
	}
	if alerts[0].UserID == nil || *alerts[0].UserID != id {
		t.Errorf("alert not bound to the account: %+v", alerts[0])
	}

	// The second login's session carries the resolved location.
	sess, err := s.GetActiveSession(ctx, id)
	if err != nil || sess == nil {
		t.Fatalf("get active session: %v", err)
	}
	if sess.City != "San Francisco" || sess.Lat == nil {
		t.Errorf("location not captured on session: %+v", sess)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	_, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: "nope", IP: "203.0.113.9", UserAgent: chromeOnMac})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	history, err := s.ListLoginAttempts(ctx, id, 10, 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(history) != 1 || history[0].Success || history[0].FailureReason != "bad_password" {
		t.Errorf("expected one bad_password row, got %+v", history)
	}

	alerts, err := s.ListAlerts(ctx, store.AlertFilter{Type: alert.TypeFailedLogin})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("failed-login alerts = %d, want 1", len(alerts))
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	_, err := e.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "x", IP: "203.0.113.9"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	// Unknown emails get a system alert, never a history row.
	alerts, err := s.ListAlerts(ctx, store.AlertFilter{Type: alert.TypeUnknownEmail})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].UserID != nil {
		t.Errorf("expected one system-scoped alert, got %+v", alerts)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	for _, status := range []string{store.StatusSuspended, store.StatusDisabled} {
		email := status + "@example.com"
		createAccount(t, s, email, func(u *store.UserRecord) { u.Status = status })
		_, err := e.Login(ctx, LoginInput{Email: email, Password: testPassword, IP: "203.0.113.9"})
		if !errors.Is(err, ErrAccountInactive) {
			t.Errorf("status %s: err = %v, want ErrAccountInactive", status, err)
		}
	}
}

func TestLoginBillingExpired(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "lapsed@example.com", func(u *store.UserRecord) {
		past := time.Now().UTC().Add(-time.Hour)
		u.BillingCycleEndDate = &past
	})

	_, err := e.Login(ctx, LoginInput{Email: "lapsed@example.com", Password: testPassword, IP: "203.0.113.9"})
	if !errors.Is(err, ErrBillingExpired) {
		t.Fatalf("err = %v, want ErrBillingExpired", err)
	}

	// The failure is recorded; no session was created.
	history, _ := s.ListLoginAttempts(ctx, id, 10, 0)
	if len(history) != 1 || history[0].FailureReason != "billing_expired" {
		t.Errorf("expected billing_expired row, got %+v", history)
	}
	if sess, _ := s.GetActiveSession(ctx, id); sess != nil {
		t.Error("expired account must not get a session")
	}
}

func TestLoginNoPlanAllowed(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	createAccount(t, s, "fresh@example.com", func(u *store.UserRecord) {
		u.IsBillingActive = false
		u.BillingCycle = ""
		u.BillingCycleEndDate = nil
	})

	if _, err := e.Login(ctx, LoginInput{Email: "fresh@example.com", Password: testPassword, IP: "203.0.113.9"}); err != nil {
		t.Errorf("account with no plan yet should log in, got %v", err)
	}
}

func TestRefreshRotatesSessionToken(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	res, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9", UserAgent: chromeOnMac})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	pair, err := e.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.AccessToken == res.Tokens.AccessToken {
		t.Error("refresh must mint a new access token")
	}

	u, _ := s.GetUser(ctx, id)
	if u.CurrentSessionToken == nil || *u.CurrentSessionToken != pair.AccessToken {
		t.Error("current session token not rotated")
	}
	// The active session row follows the rotation; no second session appears.
	sess, err := s.GetActiveSession(ctx, id)
	if err != nil {
		t.Fatalf("get active session: %v", err)
	}
	if sess == nil || sess.SessionToken != pair.AccessToken {
		t.Error("active session row not rotated to the new token")
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	createAccount(t, s, "alice@example.com", nil)

	res, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := e.Refresh(ctx, res.Tokens.AccessToken); err == nil {
		t.Error("access token must not pass refresh verification")
	}
}

func TestRefreshInactiveAccount(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	res, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	u, _ := s.GetUser(ctx, id)
	u.Status = store.StatusDisabled
	if err := s.UpdateUser(ctx, *u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if _, err := e.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("err = %v, want ErrAccountInactive", err)
	}
}

func TestLogout(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	id := createAccount(t, s, "alice@example.com", nil)

	if _, err := e.Login(ctx, LoginInput{Email: "alice@example.com", Password: testPassword, IP: "203.0.113.9"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := e.Logout(ctx, id); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if sess, _ := s.GetActiveSession(ctx, id); sess != nil {
		t.Error("session still active after logout")
	}
	sessions, _ := s.ListSessions(ctx, id, 10, 0)
	if len(sessions) != 1 || sessions[0].LogoutReason != store.LogoutManual {
		t.Errorf("logout reason not recorded: %+v", sessions)
	}
}
