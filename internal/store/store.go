package store

import (
	"context"
	"errors"
	"time"
)

// Roles, from most to least privileged.
const (
	RoleOperatorRoot = "operator-root"
	RoleOperator     = "operator"
	RoleSupport      = "support"
	RoleUser         = "user"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
)

// Shared-bundle statuses.
const (
	BundlePending     = "pending"
	BundleUploading   = "uploading"
	BundleReady       = "ready"
	BundleDownloading = "downloading"
	BundleAuthError   = "auth_error"
	BundleProxyError  = "proxy_error"
	BundleDisabled    = "disabled"
)

// Logout reasons recorded on session_activity rows.
const (
	LogoutManual       = "manual"
	LogoutNewLogin     = "new_login"
	LogoutForcedAdmin  = "forced_by_admin"
	LogoutTokenExpired = "token_expired"
)

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("email already exists")

// ErrNoPendingUpload is returned by CompleteUpload when the caller never
// requested an upload URL for the bundle.
var ErrNoPendingUpload = errors.New("no pending upload for caller")

// Store defines the persistence interface for sessiondesk.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u UserRecord) error
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
	ListUsers(ctx context.Context, limit, offset int) ([]UserRecord, error)
	UpdateUser(ctx context.Context, u UserRecord) error
	DeleteUser(ctx context.Context, id string) error
	CountOperatorRoots(ctx context.Context) (int, error)

	// Login / single-session lifecycle
	CommitLogin(ctx context.Context, p CommitLoginParams) ([]SessionRecord, error)
	CommitRefresh(ctx context.Context, userID, newAccessToken string, now time.Time) error
	CloseSessions(ctx context.Context, userID, reason string, now time.Time) error
	GetActiveSession(ctx context.Context, userID string) (*SessionRecord, error)
	TouchSession(ctx context.Context, sessionToken string, now time.Time) error
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]SessionRecord, error)
	ListActiveSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error)

	// Login history (append-only)
	LogLoginAttempt(ctx context.Context, a LoginAttempt) error
	ListLoginAttempts(ctx context.Context, userID string, limit, offset int) ([]LoginAttempt, error)
	CountRecentFailures(ctx context.Context, userID string, since time.Time) (int, error)

	// Security alerts
	CreateAlert(ctx context.Context, a AlertRecord) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]AlertRecord, error)
	MarkAlertRead(ctx context.Context, id int64) error
	DismissAlert(ctx context.Context, id int64) error
	CountUnreadAlerts(ctx context.Context) (int, error)
	AlertStats(ctx context.Context) ([]AlertStat, error)

	// Billing
	InsertPayment(ctx context.Context, p PaymentRecord) error
	ListPayments(ctx context.Context, userID string, limit, offset int) ([]PaymentRecord, error)
	LogBillingEvent(ctx context.Context, e BillingEvent) error
	ListBillingEvents(ctx context.Context, userID string, limit, offset int) ([]BillingEvent, error)
	SweepExpired(ctx context.Context, now time.Time) ([]UserRecord, error)

	// Shared bundle
	CreateBundle(ctx context.Context, b BundleRecord) error
	GetBundle(ctx context.Context, id string) (*BundleRecord, error)
	GetBundleByName(ctx context.Context, name string) (*BundleRecord, error)
	ListBundles(ctx context.Context) ([]BundleRecord, error)
	UpdateBundle(ctx context.Context, b BundleRecord) error
	DeleteBundle(ctx context.Context, id string) error
	CreateBundleUpload(ctx context.Context, u BundleUpload) error
	LatestPendingUpload(ctx context.Context, bundleID, userID string) (*BundleUpload, error)
	CompleteUpload(ctx context.Context, bundleID, userID, checksum string, fileSizeBytes int64, now time.Time) (*BundleRecord, error)
	LogBundleEvent(ctx context.Context, e BundleEvent) error
	ListBundleEvents(ctx context.Context, bundleID string, limit int) ([]BundleEvent, error)

	// Audit trail
	LogAudit(ctx context.Context, e AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Domain / proxy catalog
	UpsertDomain(ctx context.Context, d DomainRecord) error
	ListDomains(ctx context.Context) ([]DomainRecord, error)
	DeleteDomain(ctx context.Context, id string) error
	UpsertProxy(ctx context.Context, p ProxyRecord) error
	ListProxies(ctx context.Context) ([]ProxyRecord, error)
	DeleteProxy(ctx context.Context, id string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// UserRecord is the persisted form of an account. Billing fields are a
// materialized projection of the payments ledger.
type UserRecord struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Role                string     `json:"role"`
	Status              string     `json:"status"`
	CurrentSessionToken *string    `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP         string     `json:"last_login_ip,omitempty"`

	IsTrialActive  bool       `json:"is_trial_active"`
	TrialStartDate *time.Time `json:"trial_start_date,omitempty"`
	TrialEndDate   *time.Time `json:"trial_end_date,omitempty"`

	IsBillingActive       bool       `json:"is_billing_active"`
	BillingCycle          string     `json:"billing_cycle,omitempty"`
	BillingCycleStartDate *time.Time `json:"billing_cycle_start_date,omitempty"`
	BillingCycleEndDate   *time.Time `json:"billing_cycle_end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoginAttempt is one row of the append-only login history. UserID is never
// empty: attempts against unknown emails are recorded as system-scoped
// security alerts instead (see internal/alert).
type LoginAttempt struct {
	ID                int64     `json:"id"`
	UserID            string    `json:"user_id"`
	Email             string    `json:"email"`
	IP                string    `json:"ip"`
	City              string    `json:"city,omitempty"`
	Country           string    `json:"country,omitempty"`
	Lat               *float64  `json:"lat,omitempty"`
	Lon               *float64  `json:"lon,omitempty"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	Success           bool      `json:"success"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SessionRecord is the durable record of one login's lifetime. SessionToken
// holds the access token currently bound to the session; refresh rewrites it.
type SessionRecord struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	SessionToken      string     `json:"-"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	IP                string     `json:"ip"`
	City              string     `json:"city,omitempty"`
	Country           string     `json:"country,omitempty"`
	Lat               *float64   `json:"lat,omitempty"`
	Lon               *float64   `json:"lon,omitempty"`
	LoginAt           time.Time  `json:"login_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	IsActive          bool       `json:"is_active"`
	LogoutAt          *time.Time `json:"logout_at,omitempty"`
	LogoutReason      string     `json:"logout_reason,omitempty"`
}

// CommitLoginParams carries everything the transactional login commit writes:
// prior-session invalidation, the user row update, the new session_activity
// row, and the success login-history row.
type CommitLoginParams struct {
	UserID            string
	Email             string
	AccessToken       string
	IP                string
	DeviceFingerprint string
	City              string
	Country           string
	Lat               *float64
	Lon               *float64
	Now               time.Time
}

// AlertRecord is an append-only security alert. UserID is nil for
// system-scoped alerts. Read/dismissed flags only move false -> true.
type AlertRecord struct {
	ID          int64     `json:"id"`
	UserID      *string   `json:"user_id,omitempty"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Metadata    string    `json:"metadata,omitempty"` // JSON blob
	IsRead      bool      `json:"is_read"`
	IsDismissed bool      `json:"is_dismissed"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	UserID           string
	Type             string
	Severity         string
	UnreadOnly       bool
	IncludeDismissed bool
	Limit            int
	Offset           int
}

// AlertStat aggregates alerts for the admin badge.
type AlertStat struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// PaymentRecord is one row of the append-only payments ledger.
type PaymentRecord struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	Amount         float64   `json:"amount"`
	Cycle          string    `json:"cycle"`
	PaymentDate    time.Time `json:"payment_date"`
	CycleStartDate time.Time `json:"cycle_start_date"`
	CycleEndDate   time.Time `json:"cycle_end_date"`
	Memo           string    `json:"memo,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// BillingEvent is a structured audit row for billing-state transitions.
type BillingEvent struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"` // CYCLE_STARTED, PAYMENT_ADDED, TRIAL_STARTED, AUTO_DISABLED
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BundleRecord is the shared session bundle. At most one row exists per
// deployment, identified by a well-known name.
type BundleRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	BundleKey     string     `json:"bundle_key,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
	FileSizeBytes int64      `json:"file_size_bytes,omitempty"`
	BundleVersion int        `json:"bundle_version"`
	DomainID      *string    `json:"domain_id,omitempty"`
	ProxyID       *string    `json:"proxy_id,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BundleUpload tracks a presigned PUT key issued to one caller so that
// complete-upload can bind the bundle to the key that caller received.
type BundleUpload struct {
	ID          string    `json:"id"`
	BundleID    string    `json:"bundle_id"`
	UserID      string    `json:"user_id"`
	BundleKey   string    `json:"bundle_key"`
	RequestedAt time.Time `json:"requested_at"`
	Completed   bool      `json:"completed"`
}

// BundleEvent is a client-reported status line, visibility only.
type BundleEvent struct {
	ID        int64     `json:"id"`
	BundleID  string    `json:"bundle_id"`
	UserID    string    `json:"user_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry captures a privileged action for the audit journal.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"` // e.g. "user.create", "bundle.mark_ready"
	TargetType string    `json:"target_type,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

// DomainRecord annotates the shared bundle with its upstream application.
type DomainRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// ProxyRecord is an egress proxy entry in the catalog.
type ProxyRecord struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
