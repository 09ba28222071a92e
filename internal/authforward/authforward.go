// Package authforward is an optional hook for validating the opaque
// Token carried on a Join message. The core never interprets Token
// itself; it is only ever handed to an Authorizer by the transport
// layer before a Join is allowed to reach core.HandleMessage, so a
// deployment that doesn't need authorization can simply not wire one
// in.
package authforward

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a token that fails parsing,
// signature verification, or expiry.
var ErrInvalidToken = errors.New("authforward: invalid token")

// Claims identifies the caller a Join's Token was issued for.
type Claims struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	jwt.RegisteredClaims
}

// Authorizer validates Join tokens against a shared HMAC secret. It
// does not participate in signalling directly; internal/transport
// calls Validate before forwarding a Join into core.
type Authorizer struct {
	secret []byte
}

// New returns an Authorizer using secret to verify tokens. A transport
// that received an empty secret from config should not construct an
// Authorizer at all, since an empty secret would accept anything.
func New(secret string) *Authorizer {
	return &Authorizer{secret: []byte(secret)}
}

// Validate parses and verifies token, returning the claims it carries.
func (a *Authorizer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Generate issues a token for userID/roomID, valid for ttl. It exists
// mainly for tests and local tooling; a real deployment typically
// issues tokens from a separate identity service sharing the same
// secret.
func (a *Authorizer) Generate(userID, roomID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
