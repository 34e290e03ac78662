// Package auth provides API authentication for the marketplace.
//
// Authentication model:
// - Browsing and pre-claim chat: no auth required; an anonymous session
//   header identifies the caller until they sign in
// - Deal mutations: require a participant bearer token (JWT)
// - Internal operations (sweep, adjudicate, cancel): admin shared secret
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

const defaultTokenTTL = 24 * time.Hour

// Claims is the JWT payload for a participant token. The user id rides in
// the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager issues and validates participant tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager with the given signing secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), ttl: defaultTokenTTL}
}

// WithTTL overrides the token lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// IssueToken mints a signed participant token for a user.
func (m *Manager) IssueToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken verifies a raw bearer token and returns the user id.
func (m *Manager) ValidateToken(raw string) (string, error) {
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
