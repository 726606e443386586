// Package auth issues and verifies session tokens, caches the staff role per
// user and enforces RBAC on the admin API.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tbourn/parcel-forwarding-backend/internal/lease"
)

// Token kinds carried in the "typ" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var (
	// ErrTokenExpired reports a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signatures, wrong kinds and malformed tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenRevoked reports a refresh token used after sign-out or rotation.
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims is the payload of both token kinds.
type Claims struct {
	Email string `json:"email,omitempty"`
	Kind  string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens is an issued access/refresh pair.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Issuer signs HS512 tokens with separate access and refresh keys.
type Issuer struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time

	// Revoked holds spent refresh jtis until they expire. NewIssuer sets a
	// process-local store; share a Redis one across replicas.
	Revoked lease.Store
}

// NewIssuer returns an Issuer for the given keys and lifetimes.
func NewIssuer(accessKey, refreshKey string, accessTTL, refreshTTL time.Duration) *Issuer {
	i := &Issuer{
		accessKey:  []byte(accessKey),
		refreshKey: []byte(refreshKey),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		Now:        time.Now,
	}
	i.Revoked = lease.NewMemory(i.now)
	return i
}

func (i *Issuer) now() time.Time { return i.Now().UTC() }

// Issue creates a fresh pair for userID.
func (i *Issuer) Issue(userID, email string) (Tokens, error) {
	now := i.now()
	access, exp, err := i.sign(userID, email, KindAccess, i.accessKey, now, i.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, _, err := i.sign(userID, email, KindRefresh, i.refreshKey, now, i.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

func (i *Issuer) sign(userID, email, kind string, key []byte, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(key)
	return s, exp, err
}

// ParseAccess verifies an access token.
func (i *Issuer) ParseAccess(token string) (*Claims, error) {
	return i.parse(token, KindAccess, i.accessKey)
}

// ParseRefresh verifies a refresh token and checks it was not revoked.
func (i *Issuer) ParseRefresh(ctx context.Context, token string) (*Claims, error) {
	c, err := i.parse(token, KindRefresh, i.refreshKey)
	if err != nil {
		return nil, err
	}
	gone, err := i.Revoked.Held(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if gone {
		return nil, ErrTokenRevoked
	}
	return c, nil
}

func (i *Issuer) parse(token, kind string, key []byte) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrTokenInvalid
	}
	if c.Kind != kind || c.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return &c, nil
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued. Revoking is the claim, so of two concurrent refreshes with
// one token only the first gets a pair.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (Tokens, *Claims, error) {
	c, err := i.parse(refreshToken, KindRefresh, i.refreshKey)
	if err != nil {
		return Tokens{}, nil, err
	}
	first, err := i.revoke(ctx, c)
	if err != nil {
		return Tokens{}, nil, err
	}
	if !first {
		return Tokens{}, nil, ErrTokenRevoked
	}
	t, err := i.Issue(c.Subject, c.Email)
	return t, c, err
}

// Revoke blocks a refresh token until it would have expired anyway.
// Revoking twice is not an error.
func (i *Issuer) Revoke(ctx context.Context, c *Claims) error {
	_, err := i.revoke(ctx, c)
	return err
}

func (i *Issuer) revoke(ctx context.Context, c *Claims) (bool, error) {
	if c == nil || c.ID == "" {
		return false, ErrTokenInvalid
	}
	ttl := i.refreshTTL
	if c.ExpiresAt != nil {
		ttl = c.ExpiresAt.Time.Sub(i.now())
	}
	return i.Revoked.Acquire(ctx, c.ID, ttl)
}
