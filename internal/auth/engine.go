// Package auth implements credential verification, the single-session login
// pipeline, token refresh, and the request middleware that enforces both.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/alert"
	"github.com/sessiondesk/sessiondesk/internal/billing"
	"github.com/sessiondesk/sessiondesk/internal/device"
	"github.com/sessiondesk/sessiondesk/internal/geo"
	"github.com/sessiondesk/sessiondesk/internal/store"
	"github.com/sessiondesk/sessiondesk/internal/token"
)

// Login failure reasons recorded on history rows.
const (
	reasonBadPassword     = "bad_password"
	reasonAccountInactive = "account_inactive"
	reasonBillingExpired  = "billing_expired"
)

var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// the response does not reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountInactive is returned for suspended and disabled accounts.
	ErrAccountInactive = errors.New("account is not active")
	// ErrBillingExpired is returned when the account's access window lapsed.
	ErrBillingExpired = errors.New("billing period has expired")
)

// Engine runs the login and refresh pipelines.
type Engine struct {
	store  store.Store
	codec  *token.Codec
	geo    geo.Resolver
	alerts *alert.Generator
	logger *slog.Logger

	now func() time.Time
}

// NewEngine wires the login pipeline.
func NewEngine(s store.Store, codec *token.Codec, resolver geo.Resolver, alerts *alert.Generator, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		codec:  codec,
		geo:    resolver,
		alerts: alerts,
		logger: logger,
		now:    time.Now,
	}
}

// LoginInput carries one login attempt.
type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is a successful login: the account and its fresh token pair.
type LoginResult struct {
	User      store.UserRecord
	Tokens    token.Pair
	Displaced []store.SessionRecord
}

// Login runs the full pipeline: credential check, status gate, billing gate,
// device and location capture, then the transactional single-session commit.
// Any prior active session is displaced; security alerts fire after commit.
func (e *Engine) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	now := e.now().UTC()

	u, err := e.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		e.alerts.UnknownEmail(ctx, in.Email, in.IP)
		return nil, ErrInvalidCredentials
	}

	dev := device.Parse(in.UserAgent)
	fingerprint := dev.Fingerprint()

	if u.Status != store.StatusActive {
		e.recordFailure(ctx, u, in, fingerprint, reasonAccountInactive, now)
		return nil, ErrAccountInactive
	}

	if !VerifyPassword(u.PasswordHash, in.Password) {
		e.recordFailure(ctx, u, in, fingerprint, reasonBadPassword, now)
		e.alerts.FailedLogin(ctx, u.ID, u.Email, in.IP, fingerprint)
		return nil, ErrInvalidCredentials
	}

	if st := billing.ComputeStatus(u, now); st.State == billing.StateExpired {
		e.recordFailure(ctx, u, in, fingerprint, reasonBillingExpired, now)
		return nil, ErrBillingExpired
	}

	// Location capture is best-effort; a provider failure never blocks login.
	loc, err := e.geo.Resolve(ctx, in.IP)
	if err != nil {
		e.logger.Debug("geo resolve failed", slog.String("ip", in.IP), slog.String("error", err.Error()))
		loc = nil
	}

	pair, err := e.codec.MintPair(u.ID, u.Role)
	if err != nil {
		return nil, err
	}

	params := store.CommitLoginParams{
		UserID:            u.ID,
		Email:             u.Email,
		AccessToken:       pair.AccessToken,
		IP:                in.IP,
		DeviceFingerprint: fingerprint,
		Now:               now,
	}
	if loc != nil {
		params.City = loc.City
		params.Country = loc.Country
		params.Lat = &loc.Lat
		params.Lon = &loc.Lon
	}
	displaced, err := e.store.CommitLogin(ctx, params)
	if err != nil {
		return nil, err
	}

	e.postLoginAlerts(ctx, u.ID, displaced, fingerprint, in.IP, loc, now)

	u.CurrentSessionToken = &pair.AccessToken
	u.LastLoginAt = &now
	u.LastLoginIP = in.IP
	return &LoginResult{User: *u, Tokens: pair, Displaced: displaced}, nil
}

// postLoginAlerts fires displacement and impossible-travel alerts against the
// sessions the commit invalidated.
func (e *Engine) postLoginAlerts(ctx context.Context, userID string, displaced []store.SessionRecord, fingerprint, ip string, loc *geo.Location, now time.Time) {
	if len(displaced) == 0 {
		return
	}
	// Every displacement alerts, including same-device relogins: the client
	// decides relevance, the server records the takeover.
	prev := displaced[0]
	e.alerts.MultipleDeviceLogin(ctx, userID, prev, fingerprint, ip)
	if loc == nil || prev.Lat == nil || prev.Lon == nil {
		return
	}
	distance := device.Haversine(*prev.Lat, *prev.Lon, loc.Lat, loc.Lon)
	elapsed := now.Sub(prev.LastActivityAt).Minutes()
	if device.SuspiciousTravel(distance, elapsed) {
		e.alerts.SuspiciousLocation(ctx, userID, prev, loc.City, loc.Country, distance, elapsed)
	}
}

// Refresh verifies a refresh token and rotates the pair. The new access token
// replaces the account's current session token, so the holder stays the
// single active session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := e.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	u, err := e.store.GetUser(ctx, claims.UserID())
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, token.ErrInvalid
	}
	if u.Status != store.StatusActive {
		return nil, ErrAccountInactive
	}

	pair, err := e.codec.MintPair(u.ID, u.Role)
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitRefresh(ctx, u.ID, pair.AccessToken, e.now().UTC()); err != nil {
		return nil, err
	}
	return &pair, nil
}

// Logout closes the caller's active session.
func (e *Engine) Logout(ctx context.Context, userID string) error {
	return e.store.CloseSessions(ctx, userID, store.LogoutManual, e.now().UTC())
}

// ForceLogout closes a user's active session on behalf of an operator.
func (e *Engine) ForceLogout(ctx context.Context, userID string) error {
	return e.store.CloseSessions(ctx, userID, store.LogoutForcedAdmin, e.now().UTC())
}

// recordFailure appends a failed login-history row. Best-effort: history
// writes never mask the login outcome.
func (e *Engine) recordFailure(ctx context.Context, u *store.UserRecord, in LoginInput, fingerprint, reason string, now time.Time) {
	err := e.store.LogLoginAttempt(ctx, store.LoginAttempt{
		UserID:            u.ID,
		Email:             u.Email,
		IP:                in.IP,
		DeviceFingerprint: fingerprint,
		Success:           false,
		FailureReason:     reason,
		CreatedAt:         now,
	})
	if err != nil {
		e.logger.Warn("login history write failed",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()))
	}
}
