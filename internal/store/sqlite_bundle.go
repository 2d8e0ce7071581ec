package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const bundleCols = `id, name, status, bundle_key, checksum, file_size_bytes, bundle_version,
	domain_id, proxy_id, last_synced_at, created_at, updated_at`

func scanBundle(sc scanner) (*BundleRecord, error) {
	var b BundleRecord
	var domainID, proxyID, lastSynced sql.NullString
	var createdAt, updatedAt string
	err := sc.Scan(&b.ID, &b.Name, &b.Status, &b.BundleKey, &b.Checksum, &b.FileSizeBytes, &b.BundleVersion,
		&domainID, &proxyID, &lastSynced, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if domainID.Valid {
		v := domainID.String
		b.DomainID = &v
	}
	if proxyID.Valid {
		v := proxyID.String
		b.ProxyID = &v
	}
	b.LastSyncedAt = parseTimePtr(lastSynced)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func (s *SQLiteStore) CreateBundle(ctx context.Context, b BundleRecord) error {
	var domainID, proxyID any
	if b.DomainID != nil {
		domainID = *b.DomainID
	}
	if b.ProxyID != nil {
		proxyID = *b.ProxyID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shared_bundles (`+bundleCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Status, b.BundleKey, b.Checksum, b.FileSizeBytes, b.BundleVersion,
		domainID, proxyID, fmtTimePtr(b.LastSyncedAt), fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*BundleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bundleCols+` FROM shared_bundles WHERE id = ?`, id)
	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLiteStore) GetBundleByName(ctx context.Context, name string) (*BundleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bundleCols+` FROM shared_bundles WHERE name = ?`, name)
	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLiteStore) ListBundles(ctx context.Context) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bundleCols+` FROM shared_bundles ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var bundles []BundleRecord
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, *b)
	}
	return bundles, rows.Err()
}

func (s *SQLiteStore) UpdateBundle(ctx context.Context, b BundleRecord) error {
	var domainID, proxyID any
	if b.DomainID != nil {
		domainID = *b.DomainID
	}
	if b.ProxyID != nil {
		proxyID = *b.ProxyID
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE shared_bundles SET name=?, status=?, bundle_key=?, checksum=?, file_size_bytes=?,
		 bundle_version=?, domain_id=?, proxy_id=?, last_synced_at=?, updated_at=?
		 WHERE id=?`,
		b.Name, b.Status, b.BundleKey, b.Checksum, b.FileSizeBytes,
		b.BundleVersion, domainID, proxyID, fmtTimePtr(b.LastSyncedAt), fmtTime(b.UpdatedAt), b.ID)
	return err
}

func (s *SQLiteStore) DeleteBundle(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_bundles WHERE id = ?`, id)
	return err
}

// Bundle uploads

func (s *SQLiteStore) CreateBundleUpload(ctx context.Context, u BundleUpload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_uploads (id, bundle_id, user_id, bundle_key, requested_at, completed)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.BundleID, u.UserID, u.BundleKey, fmtTime(u.RequestedAt), boolInt(u.Completed))
	return err
}

func (s *SQLiteStore) LatestPendingUpload(ctx context.Context, bundleID, userID string) (*BundleUpload, error) {
	var u BundleUpload
	var requestedAt string
	var completed int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bundle_id, user_id, bundle_key, requested_at, completed FROM bundle_uploads
		 WHERE bundle_id = ? AND user_id = ? AND completed = 0
		 ORDER BY requested_at DESC LIMIT 1`, bundleID, userID).
		Scan(&u.ID, &u.BundleID, &u.UserID, &u.BundleKey, &requestedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.RequestedAt = parseTime(requestedAt)
	u.Completed = completed != 0
	return &u, nil
}

// CompleteUpload transitions the bundle to ready in one transaction: it binds
// the bundle to the key issued to this caller, bumps bundle_version, and
// stamps last_synced_at. Concurrent uploads resolve last-writer-wins.
func (s *SQLiteStore) CompleteUpload(ctx context.Context, bundleID, userID, checksum string, fileSizeBytes int64, now time.Time) (*BundleRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upload tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var uploadID, bundleKey string
	err = tx.QueryRowContext(ctx,
		`SELECT id, bundle_key FROM bundle_uploads
		 WHERE bundle_id = ? AND user_id = ? AND completed = 0
		 ORDER BY requested_at DESC LIMIT 1`, bundleID, userID).Scan(&uploadID, &bundleKey)
	if err == sql.ErrNoRows {
		return nil, ErrNoPendingUpload
	}
	if err != nil {
		return nil, fmt.Errorf("find pending upload: %w", err)
	}

	ts := fmtTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE bundle_uploads SET completed = 1 WHERE id = ?`, uploadID); err != nil {
		return nil, fmt.Errorf("mark upload complete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE shared_bundles SET status = ?, bundle_key = ?, checksum = ?, file_size_bytes = ?,
		 bundle_version = bundle_version + 1, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		BundleReady, bundleKey, checksum, fileSizeBytes, ts, ts, bundleID); err != nil {
		return nil, fmt.Errorf("update bundle: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+bundleCols+` FROM shared_bundles WHERE id = ?`, bundleID)
	b, err := scanBundle(row)
	if err != nil {
		return nil, fmt.Errorf("reload bundle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	return b, nil
}

// Bundle events

func (s *SQLiteStore) LogBundleEvent(ctx context.Context, e BundleEvent) error {
	contextJSON := e.Context
	if contextJSON == "" {
		contextJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundle_events (bundle_id, user_id, level, message, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.BundleID, e.UserID, e.Level, e.Message, contextJSON, fmtTime(e.CreatedAt))
	return err
}

func (s *SQLiteStore) ListBundleEvents(ctx context.Context, bundleID string, limit int) ([]BundleEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bundle_id, user_id, level, message, context, created_at FROM bundle_events
		 WHERE bundle_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, bundleID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []BundleEvent
	for rows.Next() {
		var e BundleEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.BundleID, &e.UserID, &e.Level, &e.Message, &e.Context, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Domain / proxy catalog

func (s *SQLiteStore) UpsertDomain(ctx context.Context, d DomainRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO domains (id, name, base_url, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   base_url=excluded.base_url,
		   enabled=excluded.enabled`,
		d.ID, d.Name, d.BaseURL, boolInt(d.Enabled), fmtTime(d.CreatedAt))
	return err
}

func (s *SQLiteStore) ListDomains(ctx context.Context) ([]DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, enabled, created_at FROM domains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var domains []DomainRecord
	for rows.Next() {
		var d DomainRecord
		var enabled int
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.BaseURL, &enabled, &createdAt); err != nil {
			return nil, err
		}
		d.Enabled = enabled != 0
		d.CreatedAt = parseTime(createdAt)
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (s *SQLiteStore) DeleteDomain(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) UpsertProxy(ctx context.Context, p ProxyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxies (id, host, port, username, password, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   host=excluded.host,
		   port=excluded.port,
		   username=excluded.username,
		   password=excluded.password,
		   enabled=excluded.enabled`,
		p.ID, p.Host, p.Port, p.Username, p.Password, boolInt(p.Enabled), fmtTime(p.CreatedAt))
	return err
}

func (s *SQLiteStore) ListProxies(ctx context.Context) ([]ProxyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, port, username, password, enabled, created_at FROM proxies ORDER BY host, port`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var proxies []ProxyRecord
	for rows.Next() {
		var p ProxyRecord
		var enabled int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Host, &p.Port, &p.Username, &p.Password, &enabled, &createdAt); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		p.CreatedAt = parseTime(createdAt)
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

func (s *SQLiteStore) DeleteProxy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
	return err
}
