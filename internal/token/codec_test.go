package token

import (
	"errors"
	"testing"
	"time"
)

func newTestCodec() *Codec {
	return NewCodec("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
}

func TestMintVerifyRoundTrip(t *testing.T) {
	c := newTestCodec()

	pair, err := c.MintPair("user-1", "operator")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	claims, err := c.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access failed: %v", err)
	}
	if claims.UserID() != "user-1" {
		t.Errorf("expected subject user-1, got %s", claims.UserID())
	}
	if claims.Role != "operator" {
		t.Errorf("expected role operator, got %s", claims.Role)
	}

	rc, err := c.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("verify refresh failed: %v", err)
	}
	if rc.UserID() != "user-1" {
		t.Errorf("expected subject user-1, got %s", rc.UserID())
	}
}

func TestKindsAreNotInterchangeable(t *testing.T) {
	c := newTestCodec()
	pair, err := c.MintPair("user-1", "user")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	if _, err := c.VerifyAccess(pair.RefreshToken); err == nil {
		t.Error("refresh token accepted as access token")
	}
	if _, err := c.VerifyRefresh(pair.AccessToken); err == nil {
		t.Error("access token accepted as refresh token")
	}
}

func TestExpiredToken(t *testing.T) {
	c := newTestCodec()
	pair, err := c.MintPair("user-1", "user")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	// Move the codec clock past the access TTL.
	c.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

	_, err = c.VerifyAccess(pair.AccessToken)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestMalformedToken(t *testing.T) {
	c := newTestCodec()
	_, err := c.VerifyAccess("not-a-token")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestWrongSecret(t *testing.T) {
	c := newTestCodec()
	other := NewCodec("other-access", "other-refresh", 15*time.Minute, 7*24*time.Hour)

	pair, err := other.MintPair("user-1", "user")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	_, err = c.VerifyAccess(pair.AccessToken)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestMintPairsAreUnique(t *testing.T) {
	c := newTestCodec()
	a, err := c.MintPair("user-1", "user")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	b, err := c.MintPair("user-1", "user")
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if a.AccessToken == b.AccessToken {
		t.Error("two mints produced identical access tokens")
	}
}
