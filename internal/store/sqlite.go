package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. The single writer is also
	// what serializes concurrent login commits for the same user: the later
	// committer's current_session_token wins.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			status TEXT NOT NULL DEFAULT 'active',
			current_session_token TEXT,
			last_login_at TEXT,
			last_login_ip TEXT NOT NULL DEFAULT '',
			is_trial_active INTEGER NOT NULL DEFAULT 0,
			trial_start_date TEXT,
			trial_end_date TEXT,
			is_billing_active INTEGER NOT NULL DEFAULT 0,
			billing_cycle TEXT NOT NULL DEFAULT '',
			billing_cycle_start_date TEXT,
			billing_cycle_end_date TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			lat REAL,
			lon REAL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_user_time ON login_history(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_activity (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_token TEXT NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			lat REAL,
			lon REAL,
			login_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			logout_at TEXT,
			logout_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_activity_user_active ON session_activity(user_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_session_activity_token ON session_activity(session_token)`,
		`CREATE TABLE IF NOT EXISTS security_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			is_read INTEGER NOT NULL DEFAULT 0,
			is_dismissed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_alerts_user ON security_alerts(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			amount REAL NOT NULL,
			cycle TEXT NOT NULL,
			payment_date TEXT NOT NULL,
			cycle_start_date TEXT NOT NULL,
			cycle_end_date TEXT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS billing_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_history_user ON billing_history(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS shared_bundles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			bundle_key TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			file_size_bytes INTEGER NOT NULL DEFAULT 0,
			bundle_version INTEGER NOT NULL DEFAULT 0,
			domain_id TEXT,
			proxy_id TEXT,
			last_synced_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_uploads (
			id TEXT PRIMARY KEY,
			bundle_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			bundle_key TEXT NOT NULL,
			requested_at TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bundle_uploads_caller ON bundle_uploads(bundle_id, user_id, requested_at)`,
		`CREATE TABLE IF NOT EXISTS bundle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bundle_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bundle_events_bundle ON bundle_events(bundle_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS domains (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proxies (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is RFC 3339 with fixed nine-digit fractional seconds. Several
// queries compare timestamp columns as strings, which is only correct when
// every stored value has the same width; RFC3339Nano drops trailing zeros and
// would sort "12:00:00Z" after "12:00:00.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// Users

const userCols = `id, email, password_hash, role, status, current_session_token,
	last_login_at, last_login_ip,
	is_trial_active, trial_start_date, trial_end_date,
	is_billing_active, billing_cycle, billing_cycle_start_date, billing_cycle_end_date,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*UserRecord, error) {
	var u UserRecord
	var curToken, lastLogin, trialStart, trialEnd, cycleStart, cycleEnd sql.NullString
	var trialActive, billingActive int
	var createdAt, updatedAt string
	err := sc.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &curToken,
		&lastLogin, &u.LastLoginIP,
		&trialActive, &trialStart, &trialEnd,
		&billingActive, &u.BillingCycle, &cycleStart, &cycleEnd,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if curToken.Valid && curToken.String != "" {
		t := curToken.String
		u.CurrentSessionToken = &t
	}
	u.LastLoginAt = parseTimePtr(lastLogin)
	u.IsTrialActive = trialActive != 0
	u.TrialStartDate = parseTimePtr(trialStart)
	u.TrialEndDate = parseTimePtr(trialEnd)
	u.IsBillingActive = billingActive != 0
	u.BillingCycleStartDate = parseTimePtr(cycleStart)
	u.BillingCycleEndDate = parseTimePtr(cycleEnd)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u UserRecord) error {
	var curToken any
	if u.CurrentSessionToken != nil {
		curToken = *u.CurrentSessionToken
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.Status, curToken,
		fmtTimePtr(u.LastLoginAt), u.LastLoginIP,
		boolInt(u.IsTrialActive), fmtTimePtr(u.TrialStartDate), fmtTimePtr(u.TrialEndDate),
		boolInt(u.IsBillingActive), u.BillingCycle, fmtTimePtr(u.BillingCycleStartDate), fmtTimePtr(u.BillingCycleEndDate),
		fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateEmail
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, limit, offset int) ([]UserRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u UserRecord) error {
	var curToken any
	if u.CurrentSessionToken != nil {
		curToken = *u.CurrentSessionToken
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email=?, password_hash=?, role=?, status=?, current_session_token=?,
		 last_login_at=?, last_login_ip=?,
		 is_trial_active=?, trial_start_date=?, trial_end_date=?,
		 is_billing_active=?, billing_cycle=?, billing_cycle_start_date=?, billing_cycle_end_date=?,
		 updated_at=?
		 WHERE id=?`,
		u.Email, u.PasswordHash, u.Role, u.Status, curToken,
		fmtTimePtr(u.LastLoginAt), u.LastLoginIP,
		boolInt(u.IsTrialActive), fmtTimePtr(u.TrialStartDate), fmtTimePtr(u.TrialEndDate),
		boolInt(u.IsBillingActive), u.BillingCycle, fmtTimePtr(u.BillingCycleStartDate), fmtTimePtr(u.BillingCycleEndDate),
		fmtTime(u.UpdatedAt), u.ID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrDuplicateEmail
	}
	return err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CountOperatorRoots(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = ?`, RoleOperatorRoot).Scan(&n)
	return n, err
}

// Sessions

const sessionCols = `id, user_id, session_token, device_fingerprint, ip, city, country,
	lat, lon, login_at, last_activity_at, is_active, logout_at, logout_reason`

func scanSession(sc scanner) (*SessionRecord, error) {
	var r SessionRecord
	var lat, lon sql.NullFloat64
	var loginAt, lastActivity string
	var active int
	var logoutAt sql.NullString
	err := sc.Scan(&r.ID, &r.UserID, &r.SessionToken, &r.DeviceFingerprint, &r.IP, &r.City, &r.Country,
		&lat, &lon, &loginAt, &lastActivity, &active, &logoutAt, &r.LogoutReason)
	if err != nil {
		return nil, err
	}
	r.Lat = nullFloatPtr(lat)
	r.Lon = nullFloatPtr(lon)
	r.LoginAt = parseTime(loginAt)
	r.LastActivityAt = parseTime(lastActivity)
	r.IsActive = active != 0
	r.LogoutAt = parseTimePtr(logoutAt)
	return &r, nil
}

// CommitLogin performs the single-session takeover in one transaction:
// snapshot + deactivate prior active sessions, point the user row at the new
// access token, insert the new session_activity row and the success
// login-history row. Any failure rolls the whole commit back.
func (s *SQLiteStore) CommitLogin(ctx context.Context, p CommitLoginParams) ([]SessionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM session_activity
		 WHERE user_id = ? AND is_active = 1 ORDER BY login_at DESC`, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	var invalidated []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		invalidated = append(invalidated, *r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := fmtTime(p.Now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_activity SET is_active = 0, logout_at = ?, logout_reason = ?
		 WHERE user_id = ? AND is_active = 1`,
		now, LogoutNewLogin, p.UserID); err != nil {
		return nil, fmt.Errorf("invalidate sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET current_session_token = ?, last_login_at = ?, last_login_ip = ?, updated_at = ?
		 WHERE id = ?`,
		p.AccessToken, now, p.IP, now, p.UserID); err != nil {
		return nil, fmt.Errorf("update user login state: %w", err)
	}

	var lat, lon any
	if p.Lat != nil {
		lat = *p.Lat
	}
	if p.Lon != nil {
		lon = *p.Lon
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_activity (id, user_id, session_token, device_fingerprint, ip, city, country,
		 lat, lon, login_at, last_activity_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		uuid.NewString(), p.UserID, p.AccessToken, p.DeviceFingerprint, p.IP, p.City, p.Country,
		lat, lon, now, now); err != nil {
		return nil, fmt.Errorf("insert session activity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO login_history (user_id, email, ip, city, country, lat, lon, device_fingerprint, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		p.UserID, p.Email, p.IP, p.City, p.Country, lat, lon, p.DeviceFingerprint, now); err != nil {
		return nil, fmt.Errorf("insert login history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login: %w", err)
	}
	return invalidated, nil
}

// CommitRefresh atomically swaps the user's current-session token and rewrites
// the active session row to the new access token so the session's identity
// survives refresh.
func (s *SQLiteStore) CommitRefresh(ctx context.Context, userID, newAccessToken string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := fmtTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET current_session_token = ?, updated_at = ? WHERE id = ?`,
		newAccessToken, ts, userID); err != nil {
		return fmt.Errorf("update user token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_activity SET session_token = ?, last_activity_at = ?
		 WHERE user_id = ? AND is_active = 1`,
		newAccessToken, ts, userID); err != nil {
		return fmt.Errorf("update session token: %w", err)
	}
	return tx.Commit()
}

// CloseSessions deactivates all active sessions for the user and clears the
// current-session token. Used for manual logout, admin force-logout, and
// token-expiry cleanup.
func (s *SQLiteStore) CloseSessions(ctx context.Context, userID, reason string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin logout tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := fmtTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_activity SET is_active = 0, logout_at = ?, logout_reason = ?
		 WHERE user_id = ? AND is_active = 1`, ts, reason, userID); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET current_session_token = NULL, updated_at = ? WHERE id = ?`,
		ts, userID); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM session_activity
		 WHERE user_id = ? AND is_active = 1 ORDER BY login_at DESC LIMIT 1`, userID)
	r, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionToken string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_activity SET last_activity_at = ? WHERE session_token = ? AND is_active = 1`,
		fmtTime(now), sessionToken)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM session_activity
		 WHERE user_id = ? ORDER BY login_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM session_activity
		 WHERE is_active = 1 ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]SessionRecord, error) {
	var sessions []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *r)
	}
	return sessions, rows.Err()
}
