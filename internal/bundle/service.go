// Package bundle manages the shared browser-session bundle: its lifecycle
// row, presigned upload/download grants against the object store, and
// client-reported status events.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sessiondesk/sessiondesk/internal/store"
)

// SharedName identifies the deployment's single shared bundle row.
const SharedName = "shared-session"

const (
	// uploadExpiry bounds presigned PUT URLs.
	uploadExpiry = 15 * time.Minute
	// downloadExpiry bounds presigned GET URLs.
	downloadExpiry = 15 * time.Minute
	// signTimeout caps how long a grant request waits on the object store.
	signTimeout = 2 * time.Second
)

var (
	// ErrNotFound is returned when the bundle id does not exist.
	ErrNotFound = errors.New("bundle not found")
	// ErrNotReady is returned when a download is requested before any upload
	// completed, or while the bundle is in an error state.
	ErrNotReady = errors.New("bundle is not ready for download")
	// ErrNoPendingUpload is returned by CompleteUpload when the caller never
	// requested an upload grant.
	ErrNoPendingUpload = store.ErrNoPendingUpload
	// ErrUpstream wraps object-store failures while presigning.
	ErrUpstream = errors.New("object store unavailable")
)

// Signer issues presigned object-store URLs.
type Signer interface {
	PresignUpload(ctx context.Context, key string, expiry time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Grant is a time-bounded presigned URL handed to a client.
type Grant struct {
	URL              string `json:"url"`
	BundleKey        string `json:"bundle_key"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// Service owns the shared-bundle lifecycle.
type Service struct {
	store  store.Store
	signer Signer
	logger *slog.Logger

	now func() time.Time
}

// NewService builds a bundle service.
func NewService(s store.Store, signer Signer, logger *slog.Logger) *Service {
	return &Service{store: s, signer: signer, logger: logger, now: time.Now}
}

// Shared returns the deployment's bundle row, creating a pending one on first
// access so clients always have an id to work against.
func (s *Service) Shared(ctx context.Context) (*store.BundleRecord, error) {
	b, err := s.store.GetBundleByName(ctx, SharedName)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}
	now := s.now().UTC()
	fresh := store.BundleRecord{
		ID:        uuid.NewString(),
		Name:      SharedName,
		Status:    store.BundlePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateBundle(ctx, fresh); err != nil {
		// Lost a create race; the winner's row is the shared bundle.
		if existing, gerr := s.store.GetBundleByName(ctx, SharedName); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return &fresh, nil
}

// Get returns one bundle by id.
func (s *Service) Get(ctx context.Context, bundleID string) (*store.BundleRecord, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// RequestUpload issues a presigned PUT grant for a fresh versioned object key
// and records it against the caller. The bundle row itself is untouched until
// the caller completes the upload.
func (s *Service) RequestUpload(ctx context.Context, bundleID, userID string) (*Grant, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("bundles/%s/v%03d-%s.zip", b.Name, b.BundleVersion+1, uuid.NewString()[:8])
	url, err := s.presign(ctx, key, uploadExpiry, s.signer.PresignUpload)
	if err != nil {
		return nil, err
	}

	err = s.store.CreateBundleUpload(ctx, store.BundleUpload{
		ID:          uuid.NewString(),
		BundleID:    b.ID,
		UserID:      userID,
		BundleKey:   key,
		RequestedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record upload grant: %w", err)
	}
	return &Grant{
		URL:              url,
		BundleKey:        key,
		ExpiresInSeconds: int(uploadExpiry.Seconds()),
	}, nil
}

// CompleteUpload binds the bundle to the key the caller was issued, bumps the
// version, and marks the bundle ready.
func (s *Service) CompleteUpload(ctx context.Context, bundleID, userID, checksum string, fileSizeBytes int64) (*store.BundleRecord, error) {
	if _, err := s.Get(ctx, bundleID); err != nil {
		return nil, err
	}
	b, err := s.store.CompleteUpload(ctx, bundleID, userID, checksum, fileSizeBytes, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("bundle upload completed",
		slog.String("bundle_id", b.ID),
		slog.Int("version", b.BundleVersion),
		slog.String("key", b.BundleKey))
	return b, nil
}

// RequestDownload issues a short-lived presigned GET grant. Only a bundle
// that has content and is in a healthy state can be fetched.
func (s *Service) RequestDownload(ctx context.Context, bundleID string) (*Grant, error) {
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if b.BundleKey == "" || (b.Status != store.BundleReady && b.Status != store.BundleDownloading) {
		return nil, ErrNotReady
	}

	url, err := s.presign(ctx, b.BundleKey, downloadExpiry, s.signer.PresignDownload)
	if err != nil {
		return nil, err
	}
	return &Grant{
		URL:              url,
		BundleKey:        b.BundleKey,
		ExpiresInSeconds: int(downloadExpiry.Seconds()),
	}, nil
}

// SetStatus moves the bundle to the given lifecycle status. Operators use it
// to force a wedged bundle back to ready or to disable distribution.
func (s *Service) SetStatus(ctx context.Context, bundleID, status string) (*store.BundleRecord, error) {
	switch status {
	case store.BundlePending, store.BundleUploading, store.BundleReady,
		store.BundleDownloading, store.BundleAuthError, store.BundleProxyError,
		store.BundleDisabled:
	default:
		return nil, fmt.Errorf("unknown bundle status %q", status)
	}
	b, err := s.Get(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if status == store.BundleReady && b.BundleKey == "" {
		return nil, ErrNotReady
	}
	b.Status = status
	b.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateBundle(ctx, *b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReportEvent records a client-side status line against the bundle.
func (s *Service) ReportEvent(ctx context.Context, bundleID, userID, level, message, contextJSON string) error {
	if _, err := s.Get(ctx, bundleID); err != nil {
		return err
	}
	return s.store.LogBundleEvent(ctx, store.BundleEvent{
		BundleID:  bundleID,
		UserID:    userID,
		Level:     level,
		Message:   message,
		Context:   contextJSON,
		CreatedAt: s.now().UTC(),
	})
}

// Events returns the most recent client-reported events for one bundle.
func (s *Service) Events(ctx context.Context, bundleID string, limit int) ([]store.BundleEvent, error) {
	if _, err := s.Get(ctx, bundleID); err != nil {
		return nil, err
	}
	return s.store.ListBundleEvents(ctx, bundleID, limit)
}

func (s *Service) presign(ctx context.Context, key string, expiry time.Duration, sign func(context.Context, string, time.Duration) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, signTimeout)
	defer cancel()
	url, err := sign(ctx, key, expiry)
	if err != nil {
		s.logger.Error("presign failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return url, nil
}
