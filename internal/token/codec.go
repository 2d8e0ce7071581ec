// Package token mints and verifies the signed bearer tokens for sessiondesk.
// Each session gets a short-lived access token and a longer-lived refresh
// token, signed with distinct HMAC secrets so one kind can never stand in for
// the other.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds embedded in the claims. Verification rejects a token presented
// as the wrong kind even when the signature happens to check out.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Typed verification outcomes. Callers must not conflate them: expiry maps to
// a distinct 401 so clients know to refresh.
var (
	ErrMalformed = errors.New("token malformed")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("token invalid")
)

// Claims is the payload carried by both token kinds.
type Claims struct {
	Role string `json:"role"`
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Codec signs and verifies token pairs.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string

	now func() time.Time
}

// NewCodec builds a codec from the two signing secrets and lifetimes.
func NewCodec(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Codec {
	return &Codec{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		issuer:        "sessiondesk",
		now:           time.Now,
	}
}

// Pair is one minted access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// MintPair issues a fresh access + refresh token pair for the subject. Each
// token carries a unique jti, so back-to-back mints never collide even within
// the same second.
func (c *Codec) MintPair(userID, role string) (Pair, error) {
	access, err := c.mint(KindAccess, userID, role, c.accessSecret, c.accessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := c.mint(KindRefresh, userID, role, c.refreshSecret, c.refreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("mint refresh token: %w", err)
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (c *Codec) mint(kind, userID, role string, secret []byte, ttl time.Duration) (string, error) {
	now := c.now().UTC()
	claims := Claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess validates an access token and returns its claims.
func (c *Codec) VerifyAccess(tok string) (*Claims, error) {
	return c.verify(tok, KindAccess, c.accessSecret)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (c *Codec) VerifyRefresh(tok string) (*Claims, error) {
	return c.verify(tok, KindRefresh, c.refreshSecret)
}

func (c *Codec) verify(tok, kind string, secret []byte) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformed
	default:
		return nil, ErrInvalid
	}
	if claims.Kind != kind || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return &claims, nil
}
