// Package alert turns login-pipeline observations into security alerts.
// Alert writes are best-effort: a failed insert is logged and swallowed so it
// never fails the originating request.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// Alert types.
const (
	TypeFailedLogin         = "failed_login"
	TypeMultipleDeviceLogin = "multiple_device_login"
	TypeSuspiciousLocation  = "suspicious_location"
	TypeUnknownEmail        = "unknown_email_attempt"
)

// Severities.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

const (
	// failedLoginWindow is the trailing window for escalation counting.
	failedLoginWindow = 15 * time.Minute
	// failedLoginEscalation is the failure count at which severity becomes HIGH.
	failedLoginEscalation = 5
)

// Generator writes security alerts.
type Generator struct {
	store  store.Store
	logger *slog.Logger

	now func() time.Time

	// OnAlert, when set, observes every emitted alert's type and severity.
	OnAlert func(alertType, severity string)
}

// NewGenerator builds an alert generator.
func NewGenerator(s store.Store, logger *slog.Logger) *Generator {
	return &Generator{store: s, logger: logger, now: time.Now}
}

// FailedLogin fires after a wrong-password attempt. Severity escalates from
// MEDIUM to HIGH once the user accumulates repeated failures in the trailing
// window (the failed history row is written before this is called).
func (g *Generator) FailedLogin(ctx context.Context, userID, email, ip, fingerprint string) {
	now := g.now().UTC()
	failures, err := g.store.CountRecentFailures(ctx, userID, now.Add(-failedLoginWindow))
	if err != nil {
		g.logger.Warn("alert: count recent failures", slog.String("error", err.Error()))
		failures = 1
	}
	severity := SeverityMedium
	if failures >= failedLoginEscalation {
		severity = SeverityHigh
	}
	g.emit(ctx, store.AlertRecord{
		UserID:   &userID,
		Type:     TypeFailedLogin,
		Severity: severity,
		Message:  fmt.Sprintf("Failed login attempt for %s", email),
		Metadata: metadata(map[string]any{
			"email":           email,
			"ip":              ip,
			"device":          fingerprint,
			"recent_failures": failures,
		}),
		CreatedAt: now,
	})
}

// MultipleDeviceLogin fires when a login displaces a prior active session.
func (g *Generator) MultipleDeviceLogin(ctx context.Context, userID string, prev store.SessionRecord, newFingerprint, newIP string) {
	g.emit(ctx, store.AlertRecord{
		UserID:   &userID,
		Type:     TypeMultipleDeviceLogin,
		Severity: SeverityMedium,
		Message:  "Login from a new device displaced an active session",
		Metadata: metadata(map[string]any{
			"previous_device": prev.DeviceFingerprint,
			"previous_ip":     prev.IP,
			"new_device":      newFingerprint,
			"new_ip":          newIP,
		}),
		CreatedAt: g.now().UTC(),
	})
}

// SuspiciousLocation fires when consecutive logins imply implausible travel.
func (g *Generator) SuspiciousLocation(ctx context.Context, userID string, prev store.SessionRecord, newCity, newCountry string, distanceKm, elapsedMinutes float64) {
	g.emit(ctx, store.AlertRecord{
		UserID:   &userID,
		Type:     TypeSuspiciousLocation,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Login %s away from previous session within %.0f minutes", fmtDistance(distanceKm), elapsedMinutes),
		Metadata: metadata(map[string]any{
			"previous_city":    prev.City,
			"previous_country": prev.Country,
			"new_city":         newCity,
			"new_country":      newCountry,
			"distance_km":      distanceKm,
			"elapsed_minutes":  elapsedMinutes,
		}),
		CreatedAt: g.now().UTC(),
	})
}

// UnknownEmail fires on login attempts against nonexistent accounts. These do
// not get login-history rows (no user id to bind); the system-scoped alert
// keeps brute-force attempts traceable.
func (g *Generator) UnknownEmail(ctx context.Context, email, ip string) {
	g.emit(ctx, store.AlertRecord{
		Type:     TypeUnknownEmail,
		Severity: SeverityLow,
		Message:  "Login attempt for unknown account",
		Metadata: metadata(map[string]any{
			"email": email,
			"ip":    ip,
		}),
		CreatedAt: g.now().UTC(),
	})
}

func (g *Generator) emit(ctx context.Context, a store.AlertRecord) {
	if err := g.store.CreateAlert(ctx, a); err != nil {
		g.logger.Warn("alert: insert failed",
			slog.String("type", a.Type),
			slog.String("error", err.Error()))
		return
	}
	if g.OnAlert != nil {
		g.OnAlert(a.Type, a.Severity)
	}
}

func metadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func fmtDistance(km float64) string {
	return fmt.Sprintf("%.0f km", km)
}
