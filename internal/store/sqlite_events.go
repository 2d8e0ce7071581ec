package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Login history

func (s *SQLiteStore) LogLoginAttempt(ctx context.Context, a LoginAttempt) error {
	var lat, lon any
	if a.Lat != nil {
		lat = *a.Lat
	}
	if a.Lon != nil {
		lon = *a.Lon
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_history (user_id, email, ip, city, country, lat, lon, device_fingerprint, success, failure_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Email, a.IP, a.City, a.Country, lat, lon, a.DeviceFingerprint,
		boolInt(a.Success), a.FailureReason, fmtTime(a.CreatedAt))
	return err
}

func (s *SQLiteStore) ListLoginAttempts(ctx context.Context, userID string, limit, offset int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, user_id, email, ip, city, country, lat, lon, device_fingerprint, success, failure_reason, created_at
	      FROM login_history`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		var lat, lon sql.NullFloat64
		var success int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Email, &a.IP, &a.City, &a.Country,
			&lat, &lon, &a.DeviceFingerprint, &success, &a.FailureReason, &createdAt); err != nil {
			return nil, err
		}
		a.Lat = nullFloatPtr(lat)
		a.Lon = nullFloatPtr(lon)
		a.Success = success != 0
		a.CreatedAt = parseTime(createdAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_history
		 WHERE user_id = ? AND success = 0 AND created_at >= ?`,
		userID, fmtTime(since)).Scan(&n)
	return n, err
}

// Security alerts

func (s *SQLiteStore) CreateAlert(ctx context.Context, a AlertRecord) error {
	var userID any
	if a.UserID != nil {
		userID = *a.UserID
	}
	metadata := a.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_alerts (user_id, alert_type, severity, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, a.Type, a.Severity, a.Message, metadata, fmtTime(a.CreatedAt))
	return err
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]AlertRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, user_id, alert_type, severity, message, metadata, is_read, is_dismissed, created_at
	      FROM security_alerts WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		q += ` AND alert_type = ?`
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, f.Severity)
	}
	if f.UnreadOnly {
		q += ` AND is_read = 0`
	}
	if !f.IncludeDismissed {
		q += ` AND is_dismissed = 0`
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var userID sql.NullString
		var isRead, isDismissed int
		var createdAt string
		if err := rows.Scan(&a.ID, &userID, &a.Type, &a.Severity, &a.Message, &a.Metadata,
			&isRead, &isDismissed, &createdAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			u := userID.String
			a.UserID = &u
		}
		a.IsRead = isRead != 0
		a.IsDismissed = isDismissed != 0
		a.CreatedAt = parseTime(createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkAlertRead is monotonic: a read alert never becomes unread.
func (s *SQLiteStore) MarkAlertRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE security_alerts SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) DismissAlert(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE security_alerts SET is_dismissed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) CountUnreadAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_alerts WHERE is_read = 0 AND is_dismissed = 0`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AlertStats(ctx context.Context) ([]AlertStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_type, severity, COUNT(*) FROM security_alerts
		 WHERE is_dismissed = 0 GROUP BY alert_type, severity`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats []AlertStat
	for rows.Next() {
		var st AlertStat
		if err := rows.Scan(&st.Type, &st.Severity, &st.Count); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Billing

func (s *SQLiteStore) InsertPayment(ctx context.Context, p PaymentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (user_id, amount, cycle, payment_date, cycle_start_date, cycle_end_date, memo, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Amount, p.Cycle, fmtTime(p.PaymentDate), fmtTime(p.CycleStartDate), fmtTime(p.CycleEndDate),
		p.Memo, p.CreatedBy, fmtTime(p.CreatedAt))
	return err
}

func (s *SQLiteStore) ListPayments(ctx context.Context, userID string, limit, offset int) ([]PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, cycle, payment_date, cycle_start_date, cycle_end_date, memo, created_by, created_at
		 FROM payments WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payments []PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var payDate, cycleStart, cycleEnd, createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Amount, &p.Cycle, &payDate, &cycleStart, &cycleEnd,
			&p.Memo, &p.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		p.PaymentDate = parseTime(payDate)
		p.CycleStartDate = parseTime(cycleStart)
		p.CycleEndDate = parseTime(cycleEnd)
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *SQLiteStore) LogBillingEvent(ctx context.Context, e BillingEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_history (user_id, event_type, detail, created_at) VALUES (?, ?, ?, ?)`,
		e.UserID, e.EventType, e.Detail, fmtTime(e.CreatedAt))
	return err
}

func (s *SQLiteStore) ListBillingEvents(ctx context.Context, userID string, limit, offset int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, detail, created_at FROM billing_history
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []BillingEvent
	for rows.Next() {
		var e BillingEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SweepExpired disables every non-disabled user whose trial or billing cycle
// ended before now, appending an AUTO_DISABLED billing-history row per user.
// The status guard in the UPDATE makes the sweep idempotent: a second pass
// with no intervening writes matches no rows and appends nothing.
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) ([]UserRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := fmtTime(now)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE status <> ?
		   AND ((is_billing_active = 1 AND billing_cycle_end_date IS NOT NULL AND billing_cycle_end_date < ?)
		     OR (is_trial_active = 1 AND trial_end_date IS NOT NULL AND trial_end_date < ?))`,
		StatusDisabled, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var expired []UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		expired = append(expired, *u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range expired {
		u := &expired[i]
		reason := "billing cycle expired"
		if u.IsTrialActive {
			reason = "trial expired"
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET status = ?, is_billing_active = 0, is_trial_active = 0, updated_at = ?
			 WHERE id = ? AND status <> ?`,
			StatusDisabled, ts, u.ID, StatusDisabled)
		if err != nil {
			return nil, fmt.Errorf("disable user %s: %w", u.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race to an operator action; skip the history row too.
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO billing_history (user_id, event_type, detail, created_at) VALUES (?, 'AUTO_DISABLED', ?, ?)`,
			u.ID, reason, ts); err != nil {
			return nil, fmt.Errorf("log auto-disable: %w", err)
		}
		u.Status = StatusDisabled
		u.IsBillingActive = false
		u.IsTrialActive = false
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return expired, nil
}

// Audit logs

func (s *SQLiteStore) LogAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, actor_id, action, target_type, target_id, detail, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(e.Timestamp), e.ActorID, e.Action, e.TargetType, e.TargetID, e.Detail, e.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, actor_id, action, target_type, target_id, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &e.Detail, &e.RequestID); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
