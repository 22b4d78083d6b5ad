package remote

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the session token is known to be expired
// before any request is made.
var ErrTokenExpired = errors.New("remote: session token expired")

// Token holds the rider's backend session JWT. The signature is verified by
// the backend; the client only reads the expiry so an expired session fails
// fast as an auth error instead of burning a network round-trip.
type Token struct {
	mu      sync.RWMutex
	raw     string
	expires time.Time
}

// ParseToken reads the claims of raw without verifying its signature.
func ParseToken(raw string) (*Token, error) {
	t := &Token{}
	if err := t.Set(raw); err != nil {
		return nil, err
	}
	return t, nil
}

// Set replaces the token, e.g. after the app refreshed the session.
func (t *Token) Set(raw string) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("remote: parse token: %w", err)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	t.mu.Lock()
	t.raw = raw
	t.expires = exp
	t.mu.Unlock()
	return nil
}

// Raw returns the encoded token.
func (t *Token) Raw() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.raw
}

// ExpiresAt returns the exp claim, zero when absent.
func (t *Token) ExpiresAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.expires
}

// Check returns ErrTokenExpired when the token expires within skew of now.
func (t *Token) Check(now time.Time, skew time.Duration) error {
	exp := t.ExpiresAt()
	if !exp.IsZero() && !now.Add(skew).Before(exp) {
		return ErrTokenExpired
	}
	return nil
}
